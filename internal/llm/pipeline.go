package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/apibridge/internal/backoff"
	"github.com/haasonsaas/apibridge/internal/config"
	"github.com/haasonsaas/apibridge/internal/tools"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// HistorySource supplies budget-compliant history views to the pipeline. The
// conversation manager implements it; the pipeline asks for progressively
// smaller views when the model reports the context is too long.
type HistorySource interface {
	SnapshotForLLM() []*models.Message
	ShrinkForRetry(stage int) []*models.Message
}

// RateGate is the per-session token bucket gating model invocations.
type RateGate interface {
	Wait(ctx context.Context) error
}

// maxShrinkStages bounds context-window recovery: tier-2 re-truncation, then
// the aggressive fallback.
const maxShrinkStages = 2

// Pipeline invokes the model with retry, rate gating, and graceful
// degradation, and parses replies into the unified form.
type Pipeline struct {
	invoker Invoker
	adapter Adapter
	modelID string
	params  Params
	policy  backoff.Policy

	maxRetries int
	logger     *slog.Logger

	// systemOverride is the pre-invocation system-prompt hook; when set it
	// replaces the configured system prompt for every request.
	systemOverride func() string
}

// NewPipeline builds the pipeline for the configured model.
func NewPipeline(invoker Invoker, cfg config.LLMConfig, systemPrompt string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		invoker: invoker,
		adapter: AdapterFor(cfg.ModelID),
		modelID: cfg.ModelID,
		params: Params{
			System:        systemPrompt,
			Temperature:   cfg.Temperature,
			TopP:          cfg.TopP,
			MaxTokens:     cfg.MaxTokens,
			StopSequences: cfg.StopSequences,
		},
		policy: backoff.Policy{
			Initial: cfg.RetryDelay,
			Max:     60 * time.Second,
			Factor:  2,
			Jitter:  0.2,
		},
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

// SetSystemPromptOverride installs the pre-invocation system-prompt hook.
func (p *Pipeline) SetSystemPromptOverride(fn func() string) {
	p.systemOverride = fn
}

// Family returns the wire-format family the pipeline speaks.
func (p *Pipeline) Family() Family { return p.adapter.Family() }

// Complete formats the history, invokes the model, and parses the reply.
// Transient failures and throttling are retried with backoff; context-window
// errors are recovered by shrinking the history view; everything else is
// surfaced as a fatal reply so the orchestrator never crashes the session.
func (p *Pipeline) Complete(ctx context.Context, gate RateGate, history HistorySource, registry *tools.Registry) *Reply {
	params := p.params
	if p.systemOverride != nil {
		if system := p.systemOverride(); system != "" {
			params.System = system
		}
	}

	var descriptors []*tools.Descriptor
	if registry != nil {
		descriptors = registry.All()
	}

	messages := history.SnapshotForLLM()
	shrinkStage := 0
	var lastErr error

	for attempt := 1; attempt <= p.maxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return fatalReply(err)
		}
		if gate != nil {
			if err := gate.Wait(ctx); err != nil {
				return fatalReply(err)
			}
		}

		body, err := p.adapter.FormatRequest(messages, descriptors, params)
		if err != nil {
			p.logger.Error("failed to format model request", "error", err)
			return fatalReply(err)
		}

		raw, err := p.invoker.Invoke(ctx, p.modelID, body)
		if err == nil {
			reply, parseErr := p.adapter.ParseResponse(raw)
			if parseErr != nil {
				p.logger.Error("failed to parse model response", "error", parseErr)
				return fatalReply(parseErr)
			}
			return reply
		}

		lastErr = err
		kind := KindOf(err)

		switch kind {
		case KindContextTooLong:
			if shrinkStage < maxShrinkStages {
				p.logger.Warn("context too long, shrinking history",
					"stage", shrinkStage, "messages", len(messages))
				messages = history.ShrinkForRetry(shrinkStage)
				shrinkStage++
				continue
			}
			p.logger.Error("context too long after all shrink stages", "error", err)
			return fatalReply(err)

		case KindRateLimited:
			if attempt > p.maxRetries {
				break
			}
			delay := retryAfterOf(err)
			if delay <= 0 {
				delay = backoff.Delay(p.policy, attempt)
			}
			p.logger.Warn("model throttled, backing off", "attempt", attempt, "delay", delay)
			if err := backoff.SleepFor(ctx, delay); err != nil {
				return fatalReply(err)
			}

		case KindTransient:
			if attempt > p.maxRetries {
				break
			}
			p.logger.Warn("transient model error, retrying", "attempt", attempt, "error", err)
			if err := backoff.Sleep(ctx, p.policy, attempt); err != nil {
				return fatalReply(err)
			}

		default:
			p.logger.Error("non-retryable model error", "kind", kind, "error", err)
			return fatalReply(err)
		}
	}

	p.logger.Error("model invocation failed after retries", "error", lastErr)
	return fatalReply(lastErr)
}

func retryAfterOf(err error) time.Duration {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie.RetryAfter
	}
	return 0
}

// fatalReply synthesizes a terminal assistant reply for an unrecoverable
// failure.
func fatalReply(err error) *Reply {
	return &Reply{
		Content: FriendlyError(err),
		Fatal:   true,
	}
}
