package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/apibridge/internal/config"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// scriptedInvoker replays a fixed sequence of responses and errors.
type scriptedInvoker struct {
	steps []scriptedStep
	calls int
}

type scriptedStep struct {
	raw []byte
	err error
}

func (s *scriptedInvoker) Invoke(_ context.Context, _ string, _ []byte) ([]byte, error) {
	if s.calls >= len(s.steps) {
		return nil, errors.New("no more scripted steps")
	}
	step := s.steps[s.calls]
	s.calls++
	return step.raw, step.err
}

// staticHistory is a HistorySource that records shrink requests.
type staticHistory struct {
	messages     []*models.Message
	shrinkStages []int
}

func (h *staticHistory) SnapshotForLLM() []*models.Message { return h.messages }

func (h *staticHistory) ShrinkForRetry(stage int) []*models.Message {
	h.shrinkStages = append(h.shrinkStages, stage)
	if len(h.messages) > 1 {
		return h.messages[len(h.messages)-1:]
	}
	return h.messages
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		ModelID:     "anthropic.claude-3-sonnet-20240229-v1:0",
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   512,
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
	}
}

var claudeTextResponse = []byte(`{"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn"}`)

func history(messages ...*models.Message) *staticHistory {
	return &staticHistory{messages: messages}
}

func userMsg(content string) *models.Message {
	return &models.Message{Role: models.RoleUser, Content: content}
}

func TestCompleteSuccess(t *testing.T) {
	invoker := &scriptedInvoker{steps: []scriptedStep{{raw: claudeTextResponse}}}
	p := NewPipeline(invoker, testLLMConfig(), "sys", nil)

	reply := p.Complete(context.Background(), nil, history(userMsg("hi")), nil)
	require.NotNil(t, reply)
	assert.False(t, reply.Fatal)
	assert.Equal(t, "hello", reply.Content)
}

func TestCompleteRetriesTransient(t *testing.T) {
	invoker := &scriptedInvoker{steps: []scriptedStep{
		{err: &InvokeError{Kind: KindTransient, Cause: errors.New("boom")}},
		{err: &InvokeError{Kind: KindTransient, Cause: errors.New("boom")}},
		{raw: claudeTextResponse},
	}}
	p := NewPipeline(invoker, testLLMConfig(), "sys", nil)

	reply := p.Complete(context.Background(), nil, history(userMsg("hi")), nil)
	assert.False(t, reply.Fatal)
	assert.Equal(t, "hello", reply.Content)
	assert.Equal(t, 3, invoker.calls)
}

func TestCompleteSurfacesAfterRetriesExhausted(t *testing.T) {
	transient := &InvokeError{Kind: KindTransient, Cause: errors.New("down")}
	invoker := &scriptedInvoker{steps: []scriptedStep{
		{err: transient}, {err: transient}, {err: transient}, {err: transient},
	}}
	p := NewPipeline(invoker, testLLMConfig(), "sys", nil)

	reply := p.Complete(context.Background(), nil, history(userMsg("hi")), nil)
	assert.True(t, reply.Fatal)
	assert.NotEmpty(t, reply.Content)
	assert.Equal(t, 3, invoker.calls)
}

func TestCompleteShrinksOnContextTooLong(t *testing.T) {
	invoker := &scriptedInvoker{steps: []scriptedStep{
		{err: &InvokeError{Kind: KindContextTooLong, Cause: errors.New("Input is too long")}},
		{raw: claudeTextResponse},
	}}
	p := NewPipeline(invoker, testLLMConfig(), "sys", nil)

	h := history(userMsg("a"), userMsg("b"), userMsg("c"))
	reply := p.Complete(context.Background(), nil, h, nil)

	assert.False(t, reply.Fatal)
	assert.Equal(t, []int{0}, h.shrinkStages)
}

func TestCompleteFatalAfterAllShrinkStages(t *testing.T) {
	ctxErr := &InvokeError{Kind: KindContextTooLong, Cause: errors.New("Input is too long")}
	invoker := &scriptedInvoker{steps: []scriptedStep{
		{err: ctxErr}, {err: ctxErr}, {err: ctxErr},
	}}
	p := NewPipeline(invoker, testLLMConfig(), "sys", nil)

	h := history(userMsg("a"), userMsg("b"))
	reply := p.Complete(context.Background(), nil, h, nil)

	assert.True(t, reply.Fatal)
	assert.Equal(t, []int{0, 1}, h.shrinkStages)
}

func TestCompleteAuthErrorIsImmediatelyFatal(t *testing.T) {
	invoker := &scriptedInvoker{steps: []scriptedStep{
		{err: &InvokeError{Kind: KindAuth, Cause: errors.New("access denied")}},
	}}
	p := NewPipeline(invoker, testLLMConfig(), "sys", nil)

	reply := p.Complete(context.Background(), nil, history(userMsg("hi")), nil)
	assert.True(t, reply.Fatal)
	assert.Equal(t, 1, invoker.calls)
	assert.Contains(t, reply.Content, "access")
}

func TestCompleteHonorsRetryAfter(t *testing.T) {
	start := time.Now()
	invoker := &scriptedInvoker{steps: []scriptedStep{
		{err: &InvokeError{Kind: KindRateLimited, RetryAfter: 30 * time.Millisecond, Cause: errors.New("throttled")}},
		{raw: claudeTextResponse},
	}}
	p := NewPipeline(invoker, testLLMConfig(), "sys", nil)

	reply := p.Complete(context.Background(), nil, history(userMsg("hi")), nil)
	assert.False(t, reply.Fatal)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCompleteSystemPromptOverride(t *testing.T) {
	invoker := &scriptedInvoker{steps: []scriptedStep{{raw: claudeTextResponse}}}
	p := NewPipeline(invoker, testLLMConfig(), "base prompt", nil)
	p.SetSystemPromptOverride(func() string { return "augmented prompt" })

	reply := p.Complete(context.Background(), nil, history(userMsg("hi")), nil)
	assert.False(t, reply.Fatal)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindContextTooLong, Classify(errors.New("ValidationException: Input is too long")))
	assert.Equal(t, KindRateLimited, Classify(errors.New("ThrottlingException: slow down")))
	assert.Equal(t, KindTransient, Classify(errors.New("http 503 service unavailable")))
	assert.Equal(t, KindAuth, Classify(errors.New("access denied for model")))
	assert.Equal(t, KindFatal, Classify(errors.New("something strange")))
}
