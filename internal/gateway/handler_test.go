package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/apibridge/internal/auth"
	"github.com/haasonsaas/apibridge/internal/config"
	"github.com/haasonsaas/apibridge/internal/conversation"
	"github.com/haasonsaas/apibridge/internal/llm"
	"github.com/haasonsaas/apibridge/internal/session"
	"github.com/haasonsaas/apibridge/internal/tools"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// frameRecorder captures outbound frames for assertions.
type frameRecorder struct {
	mu     sync.Mutex
	frames []ServerFrame
}

func (r *frameRecorder) Send(f ServerFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) byType(frameType string) []ServerFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ServerFrame
	for _, f := range r.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// scriptedPipeline replays replies in order.
type scriptedPipeline struct {
	mu      sync.Mutex
	replies []*llm.Reply
	calls   int
}

func (p *scriptedPipeline) Complete(_ context.Context, _ llm.RateGate, _ llm.HistorySource, _ *tools.Registry) *llm.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.replies) {
		return &llm.Reply{Content: "done"}
	}
	reply := p.replies[p.calls]
	p.calls++
	return reply
}

// echoExecutor returns one successful result per call, in order.
type echoExecutor struct {
	mu    sync.Mutex
	calls [][]models.ToolCall
}

func (e *echoExecutor) ExecuteAll(_ context.Context, calls []models.ToolCall, _ *auth.Store) []models.ToolResult {
	e.mu.Lock()
	e.calls = append(e.calls, calls)
	e.mu.Unlock()

	results := make([]models.ToolResult, len(calls))
	for i, tc := range calls {
		results[i] = models.ToolResult{ToolCallID: tc.ID, Name: tc.Name, Content: "result:" + tc.Name}
	}
	return results
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tools.MaxToolCalls = 4
	cfg.Session.TurnTimeout = 5 * time.Second
	return cfg
}

func newTestHandler(cfg *config.Config, pipeline completer, executor toolExecutor) *handler {
	registry, _ := tools.NewRegistry(nil, nil, nil)
	return &handler{
		cfg:      cfg,
		registry: registry,
		executor: executor,
		pipeline: pipeline,
		metrics:  newMetrics(prometheus.NewRegistry()),
		logger:   discardLogger(),
	}
}

func newTestSession(t *testing.T, cfg *config.Config) *session.Session {
	t.Helper()
	mgr := session.NewManager(10, time.Hour, discardLogger())
	conv := conversation.NewManager(conversation.DefaultConfig(), "sys", discardLogger())
	sess, err := mgr.Create(auth.NewStore(cfg.Auth.SupportedAuthTypes, nil, 0), conv, nil)
	require.NoError(t, err)
	return sess
}

func toolUseReply(ids ...string) *llm.Reply {
	reply := &llm.Reply{}
	for _, id := range ids {
		reply.ToolCalls = append(reply.ToolCalls, models.ToolCall{
			ID:    id,
			Name:  "get_users",
			Input: json.RawMessage(`{}`),
		})
	}
	return reply
}

func TestHandlePing(t *testing.T) {
	cfg := testConfig()
	h := newTestHandler(cfg, &scriptedPipeline{}, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FramePing}, rec)
	require.Len(t, rec.byType(FramePong), 1)
}

func TestHandleUnknownType(t *testing.T) {
	cfg := testConfig()
	h := newTestHandler(cfg, &scriptedPipeline{}, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: "mystery"}, rec)
	errs := rec.byType(FrameError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Unknown message type")
}

func TestHandleAuthAndLogout(t *testing.T) {
	cfg := testConfig()
	h := newTestHandler(cfg, &scriptedPipeline{}, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{
		Type:     FrameAuth,
		AuthType: "bearer_token",
		Token:    "T",
	}, rec)

	configured := rec.byType(FrameAuthConfigured)
	require.Len(t, configured, 1)
	assert.Equal(t, "bearer_token", configured[0].AuthType)
	assert.True(t, sess.Credentials.Authenticated())

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameLogout}, rec)
	require.Len(t, rec.byType(FrameLogoutSuccess), 1)
	assert.False(t, sess.Credentials.Authenticated())
}

func TestHandleAuthRejectsBadCredentials(t *testing.T) {
	cfg := testConfig()
	h := newTestHandler(cfg, &scriptedPipeline{}, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{
		Type:     FrameAuth,
		AuthType: "basic_auth",
		Username: "user",
	}, rec)

	require.Len(t, rec.byType(FrameAuthFailed), 1)
	assert.False(t, sess.Credentials.Authenticated())
}

func TestChatTerminalReply(t *testing.T) {
	cfg := testConfig()
	pipeline := &scriptedPipeline{replies: []*llm.Reply{{Content: "Hi there."}}}
	h := newTestHandler(cfg, pipeline, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "hello"}, rec)

	responses := rec.byType(FrameAIResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "Hi there.", responses[0].Message)

	// typing precedes the response; the final typing frame is the clear.
	typings := rec.byType(FrameTyping)
	require.NotEmpty(t, typings)
	assert.Empty(t, typings[len(typings)-1].Message)

	// History holds user + assistant after the turn.
	hist := sess.Conversation.History()
	require.Len(t, hist, 3) // system + user + assistant
	assert.Equal(t, models.RoleUser, hist[1].Role)
	assert.Equal(t, models.RoleAssistant, hist[2].Role)
}

func TestChatToolLoopAppendsPairsInOrder(t *testing.T) {
	cfg := testConfig()
	pipeline := &scriptedPipeline{replies: []*llm.Reply{
		toolUseReply("t1", "t2"),
		{Content: "All done."},
	}}
	executor := &echoExecutor{}
	h := newTestHandler(cfg, pipeline, executor)
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "go"}, rec)

	responses := rec.byType(FrameAIResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "All done.", responses[0].Message)
	require.Len(t, responses[0].ToolCalls, 2)
	require.Len(t, responses[0].ToolResults, 2)
	assert.Equal(t, "t1", responses[0].ToolResults[0].ToolCallID)
	assert.Equal(t, "t2", responses[0].ToolResults[1].ToolCallID)

	// History: system, user, assistant(tool_use), tool results, assistant.
	hist := sess.Conversation.History()
	require.Len(t, hist, 5)
	assert.True(t, hist[2].HasToolUse())
	assert.True(t, hist[3].IsToolResultMessage())
	require.Len(t, hist[3].ToolResults, 2)
	assert.Equal(t, "t1", hist[3].ToolResults[0].ToolCallID)
	assert.Equal(t, "All done.", hist[4].Content)
}

func TestChatToolBudgetExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.MaxToolCalls = 3
	pipeline := &scriptedPipeline{replies: []*llm.Reply{
		toolUseReply("a", "b"),
		toolUseReply("c", "d"), // would exceed the budget of 3
	}}
	h := newTestHandler(cfg, pipeline, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "go"}, rec)

	responses := rec.byType(FrameAIResponse)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Message, "tool-call budget exhausted")

	// The refused tool_use round left no orphans behind.
	for _, msg := range sess.Conversation.History() {
		if msg.IsToolResultMessage() {
			assert.NotEqual(t, "c", msg.ToolResults[0].ToolCallID)
		}
	}
}

func TestChatRequiresAuthWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.RequireToolAuth = true
	pipeline := &scriptedPipeline{replies: []*llm.Reply{{Content: "should not run"}}}
	h := newTestHandler(cfg, pipeline, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "hello"}, rec)

	require.Len(t, rec.byType(FrameAuthFailed), 1)
	assert.Empty(t, rec.byType(FrameAIResponse))
	assert.Equal(t, 0, pipeline.calls)
}

func TestChatBusyReject(t *testing.T) {
	cfg := testConfig()
	cfg.Session.BusyPolicy = "reject"

	release := make(chan struct{})
	pipeline := &blockingPipeline{release: release, started: make(chan struct{})}
	h := newTestHandler(cfg, pipeline, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "first"}, rec)
	}()

	<-pipeline.started

	rec2 := &frameRecorder{}
	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "second"}, rec2)
	errs := rec2.byType(FrameError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "busy")

	close(release)
	wg.Wait()
}

func TestHistoryAndClearUseSessionGate(t *testing.T) {
	cfg := testConfig()

	release := make(chan struct{})
	pipeline := &blockingPipeline{release: release, started: make(chan struct{})}
	h := newTestHandler(cfg, pipeline, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "first"}, rec)
	}()

	<-pipeline.started

	// Mid-turn, history and clear are refused rather than racing the turn.
	rec2 := &frameRecorder{}
	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameHistory}, rec2)
	require.Len(t, rec2.byType(FrameError), 1)
	assert.Empty(t, rec2.byType(FrameHistoryList))

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameClear}, rec2)
	require.Len(t, rec2.byType(FrameError), 2)
	assert.Empty(t, rec2.byType(FrameHistoryCleared))

	close(release)
	wg.Wait()

	// Once the turn is done both work again.
	rec3 := &frameRecorder{}
	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameHistory}, rec3)
	require.Len(t, rec3.byType(FrameHistoryList), 1)

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameClear}, rec3)
	require.Len(t, rec3.byType(FrameHistoryCleared), 1)
	assert.Equal(t, 1, sess.Conversation.Len()) // system message survives
}

func TestChatEmptyMessage(t *testing.T) {
	cfg := testConfig()
	h := newTestHandler(cfg, &scriptedPipeline{}, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "   "}, rec)
	errs := rec.byType(FrameError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Empty message")
}

func TestChatFatalReplySurfaced(t *testing.T) {
	cfg := testConfig()
	pipeline := &scriptedPipeline{replies: []*llm.Reply{{Content: "model is down", Fatal: true}}}
	h := newTestHandler(cfg, pipeline, &echoExecutor{})
	sess := newTestSession(t, cfg)
	rec := &frameRecorder{}

	h.handleFrame(context.Background(), sess, ClientFrame{Type: FrameChat, Message: "hi"}, rec)

	responses := rec.byType(FrameAIResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "model is down", responses[0].Message)
}

// blockingPipeline blocks Complete until released, signalling entry.
type blockingPipeline struct {
	release   chan struct{}
	startOnce sync.Once
	started   chan struct{}
}

func (p *blockingPipeline) Complete(_ context.Context, _ llm.RateGate, _ llm.HistorySource, _ *tools.Registry) *llm.Reply {
	p.startOnce.Do(func() {
		if p.started != nil {
			close(p.started)
		}
	})
	<-p.release
	return &llm.Reply{Content: "finally"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
