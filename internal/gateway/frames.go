// Package gateway is the per-connection orchestrator: it accepts the
// WebSocket channel, dispatches inbound frames, and drives the multi-turn
// tool loop between the conversation manager, the LLM pipeline, and the tool
// executor.
package gateway

import (
	"time"

	"github.com/haasonsaas/apibridge/pkg/models"
)

// Client frame types.
const (
	FrameAuth    = "auth"
	FrameLogout  = "logout"
	FrameChat    = "chat"
	FramePing    = "ping"
	FrameHistory = "history"
	FrameClear   = "clear"
)

// Server frame types.
const (
	FrameConnectionEstablished = "connection_established"
	FrameAuthConfigured        = "auth_configured"
	FrameAuthFailed            = "auth_failed"
	FrameLogoutSuccess         = "logout_success"
	FrameTyping                = "typing"
	FrameAIResponse            = "ai_response"
	FramePong                  = "pong"
	FrameError                 = "error"
	FrameHistoryList           = "history"
	FrameHistoryCleared        = "history_cleared"
)

// ClientFrame is one inbound JSON frame.
type ClientFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`

	// auth fields, per auth_type
	AuthType      string            `json:"auth_type,omitempty"`
	Token         string            `json:"token,omitempty"`
	Username      string            `json:"username,omitempty"`
	Password      string            `json:"password,omitempty"`
	APIKey        string            `json:"api_key,omitempty"`
	APIKeyHeader  string            `json:"api_key_header,omitempty"`
	ClientID      string            `json:"client_id,omitempty"`
	ClientSecret  string            `json:"client_secret,omitempty"`
	TokenURL      string            `json:"token_url,omitempty"`
	Scope         string            `json:"scope,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
}

// ServerFrame is one outbound JSON frame.
type ServerFrame struct {
	Type        string              `json:"type"`
	SessionID   string              `json:"session_id,omitempty"`
	Message     string              `json:"message,omitempty"`
	AuthType    string              `json:"auth_type,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Messages    []*models.Message   `json:"messages,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

func frame(frameType string) ServerFrame {
	return ServerFrame{Type: frameType, Timestamp: time.Now().Format(time.RFC3339)}
}

func errorFrame(message string) ServerFrame {
	f := frame(FrameError)
	f.Message = message
	return f
}
