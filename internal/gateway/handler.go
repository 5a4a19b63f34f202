package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/apibridge/internal/auth"
	"github.com/haasonsaas/apibridge/internal/config"
	"github.com/haasonsaas/apibridge/internal/llm"
	"github.com/haasonsaas/apibridge/internal/session"
	"github.com/haasonsaas/apibridge/internal/tools"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// frameSender delivers server frames to one client. The websocket client
// implements it; tests substitute a recorder.
type frameSender interface {
	Send(ServerFrame) error
}

// toolExecutor is the outbound tool-call capability used by the turn loop.
type toolExecutor interface {
	ExecuteAll(ctx context.Context, calls []models.ToolCall, creds *auth.Store) []models.ToolResult
}

// completer is the LLM pipeline capability used by the turn loop.
type completer interface {
	Complete(ctx context.Context, gate llm.RateGate, history llm.HistorySource, registry *tools.Registry) *llm.Reply
}

// handler dispatches inbound frames for established sessions and drives the
// tool loop. One handler serves every connection; per-session state lives on
// the session.
type handler struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *tools.Registry
	executor toolExecutor
	pipeline completer
	metrics  *metrics
}

// handleFrame routes one inbound frame. Chat frames run the turn loop; every
// other type is handled inline. Unknown types produce a non-fatal error frame.
func (h *handler) handleFrame(ctx context.Context, sess *session.Session, f ClientFrame, out frameSender) {
	sess.Touch()
	h.metrics.framesTotal.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case FrameAuth:
		h.handleAuth(sess, f, out)
	case FrameLogout:
		h.handleLogout(sess, out)
	case FramePing:
		h.send(out, frame(FramePong))
	case FrameChat:
		h.handleChat(ctx, sess, f, out)
	case FrameHistory:
		h.handleHistory(sess, out)
	case FrameClear:
		h.handleClear(sess, out)
	default:
		h.sendError(out, fmt.Sprintf("Unknown message type: %s", f.Type))
	}
}

// handleAuth stores the credentials carried by the frame. The session stays
// usable without credentials unless require_tool_auth is set.
func (h *handler) handleAuth(sess *session.Session, f ClientFrame, out frameSender) {
	creds, err := credentialsFromFrame(f)
	if err != nil {
		h.sendAuthFailed(out, err.Error())
		return
	}
	if err := sess.Credentials.Set(creds); err != nil {
		h.sendAuthFailed(out, err.Error())
		return
	}

	h.logger.Info("authentication configured",
		"session_id", sess.ID, "auth_type", string(creds.Type))

	reply := frame(FrameAuthConfigured)
	reply.AuthType = string(creds.Type)
	reply.Message = "Authentication configured: " + string(creds.Type)
	h.send(out, reply)
}

// credentialsFromFrame builds the credential variant from the frame's
// type-specific fields.
func credentialsFromFrame(f ClientFrame) (auth.Credentials, error) {
	authType := strings.ToLower(f.AuthType)
	switch authType {
	case "bearer_token":
		return auth.Credentials{Type: auth.TypeBearerToken, BearerToken: f.Token}, nil
	case "basic_auth":
		return auth.Credentials{Type: auth.TypeBasicAuth, Username: f.Username, Password: f.Password}, nil
	case "api_key":
		return auth.Credentials{Type: auth.TypeAPIKey, APIKey: f.APIKey, APIKeyHeader: f.APIKeyHeader}, nil
	case "oauth2", "oauth2_client_credentials":
		return auth.Credentials{
			Type:         auth.TypeOAuth2ClientCredentials,
			ClientID:     f.ClientID,
			ClientSecret: f.ClientSecret,
			TokenURL:     f.TokenURL,
			Scope:        f.Scope,
		}, nil
	case "custom":
		return auth.Credentials{Type: auth.TypeCustom, CustomHeaders: f.CustomHeaders}, nil
	default:
		return auth.Credentials{}, fmt.Errorf("unknown auth type: %s", f.AuthType)
	}
}

func (h *handler) handleLogout(sess *session.Session, out frameSender) {
	sess.Credentials.Clear()
	h.logger.Info("session logged out", "session_id", sess.ID)

	reply := frame(FrameLogoutSuccess)
	reply.Message = "Successfully logged out"
	h.send(out, reply)
}

// handleHistory reads the conversation under the session gate; the manager
// is not safe against a concurrently running turn.
func (h *handler) handleHistory(sess *session.Session, out frameSender) {
	if !sess.TryAcquire() {
		h.sendError(out, "busy: a turn is already in progress")
		return
	}
	defer sess.Release()

	reply := frame(FrameHistoryList)
	reply.Messages = sess.Conversation.History()
	h.send(out, reply)
}

func (h *handler) handleClear(sess *session.Session, out frameSender) {
	if !sess.TryAcquire() {
		h.sendError(out, "busy: a turn is already in progress")
		return
	}
	defer sess.Release()

	sess.Conversation.Clear(true)

	reply := frame(FrameHistoryCleared)
	reply.Message = "Conversation history cleared"
	h.send(out, reply)
}

// handleChat runs one turn: exactly one turn is in flight per session, with
// busy_policy deciding whether concurrent chats are rejected or queued.
func (h *handler) handleChat(ctx context.Context, sess *session.Session, f ClientFrame, out frameSender) {
	message := strings.TrimSpace(f.Message)
	if message == "" {
		h.sendError(out, "Empty message")
		return
	}

	if h.cfg.Auth.RequireToolAuth && !sess.Credentials.Authenticated() {
		reply := frame(FrameAuthFailed)
		reply.Message = "Authentication is required before sending messages. Please authenticate first."
		h.send(out, reply)
		return
	}

	switch h.cfg.Session.BusyPolicy {
	case "queue":
		if err := sess.Acquire(ctx); err != nil {
			return
		}
	default:
		if !sess.TryAcquire() {
			h.sendError(out, "busy: a turn is already in progress")
			return
		}
	}
	defer sess.Release()

	turnCtx, cancel := context.WithTimeout(ctx, h.cfg.Session.TurnTimeout)
	defer cancel()

	h.runTurn(turnCtx, sess, message, out)
	h.metrics.turnsTotal.Inc()
}

// runTurn is the bounded tool loop: invoke the model, execute any requested
// tools, feed results back, and repeat until a terminal text reply. History
// is mutated only when a step completes, so a cancelled step leaves no
// orphaned pair behind.
func (h *handler) runTurn(ctx context.Context, sess *session.Session, message string, out frameSender) {
	sess.Conversation.Append(&models.Message{Role: models.RoleUser, Content: message})

	var gate llm.RateGate
	if sess.RateGate != nil {
		gate = sess.RateGate
	}

	h.sendTyping(out, "AI is thinking...")

	var allToolCalls []models.ToolCall
	var allToolResults []models.ToolResult
	totalToolCalls := 0

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			h.logger.Warn("turn aborted", "session_id", sess.ID, "error", err)
			return
		}

		reply := h.pipeline.Complete(ctx, gate, sess.Conversation, h.registry)

		if reply.Fatal {
			h.metrics.errorsTotal.Inc()
			h.finishTurn(sess, reply.Content, allToolCalls, allToolResults, out)
			return
		}

		if len(reply.ToolCalls) == 0 {
			h.finishTurn(sess, reply.Content, allToolCalls, allToolResults, out)
			return
		}

		if totalToolCalls+len(reply.ToolCalls) > h.cfg.Tools.MaxToolCalls {
			h.logger.Warn("tool-call budget exhausted",
				"session_id", sess.ID, "total", totalToolCalls, "requested", len(reply.ToolCalls))
			content := strings.TrimSpace(reply.Content)
			if content != "" {
				content += "\n\n"
			}
			content += fmt.Sprintf("tool-call budget exhausted (limit %d)", h.cfg.Tools.MaxToolCalls)
			h.finishTurn(sess, content, allToolCalls, allToolResults, out)
			return
		}
		totalToolCalls += len(reply.ToolCalls)

		h.sendTyping(out, fmt.Sprintf("Calling %s... (round %d)", toolNames(reply.ToolCalls), round+1))

		results := h.executor.ExecuteAll(ctx, reply.ToolCalls, sess.Credentials)
		if err := ctx.Err(); err != nil {
			// Cancelled mid-execution: discard partial results without
			// touching history.
			h.logger.Warn("turn cancelled during tool execution", "session_id", sess.ID)
			return
		}
		h.metrics.toolCallsTotal.Add(float64(len(reply.ToolCalls)))

		// Commit the step: assistant tool_use and its results together.
		sess.Conversation.Append(&models.Message{
			Role:      models.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})
		sess.Conversation.Append(&models.Message{
			Role:        models.RoleTool,
			ToolResults: results,
		})

		allToolCalls = append(allToolCalls, reply.ToolCalls...)
		allToolResults = append(allToolResults, results...)
	}
}

// finishTurn stores the terminal assistant reply and emits the closing frames.
func (h *handler) finishTurn(sess *session.Session, content string, toolCalls []models.ToolCall, toolResults []models.ToolResult, out frameSender) {
	sess.Conversation.Append(&models.Message{Role: models.RoleAssistant, Content: content})

	h.sendTyping(out, "")

	reply := frame(FrameAIResponse)
	reply.Message = llm.StripReasoning(content)
	reply.ToolCalls = toolCalls
	reply.ToolResults = toolResults
	h.send(out, reply)
}

func toolNames(calls []models.ToolCall) string {
	names := make([]string, len(calls))
	for i, tc := range calls {
		names[i] = tc.Name
	}
	return strings.Join(names, ", ")
}

func (h *handler) sendTyping(out frameSender, message string) {
	f := frame(FrameTyping)
	f.Message = message
	h.send(out, f)
}

func (h *handler) sendError(out frameSender, message string) {
	h.metrics.errorsTotal.Inc()
	h.send(out, errorFrame(message))
}

func (h *handler) sendAuthFailed(out frameSender, message string) {
	h.metrics.errorsTotal.Inc()
	f := frame(FrameAuthFailed)
	f.Message = message
	h.send(out, f)
}

func (h *handler) send(out frameSender, f ServerFrame) {
	if err := out.Send(f); err != nil {
		h.logger.Debug("failed to send frame", "type", f.Type, "error", err)
	}
}
