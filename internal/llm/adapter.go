package llm

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/apibridge/internal/tools"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// Family identifies the wire-format family of a model.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGPT    Family = "gpt"
	FamilyLlama  Family = "llama"
)

// Params carries the sampling parameters for one invocation.
type Params struct {
	System        string
	Temperature   float64
	TopP          float64
	MaxTokens     int
	StopSequences []string
}

// Reply is the parsed model response: a possibly-empty textual portion plus
// zero or more tool_use requests.
type Reply struct {
	Content    string
	ToolCalls  []models.ToolCall
	StopReason string
	// Fatal marks synthesized error replies the orchestrator must surface to
	// the client without retrying.
	Fatal bool
}

// DisplayContent returns the content with family-specific reasoning tags
// stripped for presentation. History keeps the raw content.
func (r *Reply) DisplayContent() string {
	return StripReasoning(r.Content)
}

// Adapter maps the internal message sequence to one family's wire format and
// parses its raw responses.
type Adapter interface {
	Family() Family
	FormatRequest(messages []*models.Message, descriptors []*tools.Descriptor, params Params) ([]byte, error)
	ParseResponse(raw []byte) (*Reply, error)
}

// FamilyFor resolves the wire-format family from a model id.
func FamilyFor(modelID string) Family {
	id := strings.ToLower(modelID)
	// Cross-region inference profiles prefix the vendor with a region tag.
	for _, prefix := range []string{"us.", "eu.", "apac."} {
		id = strings.TrimPrefix(id, prefix)
	}
	switch {
	case strings.HasPrefix(id, "anthropic."):
		return FamilyClaude
	case strings.HasPrefix(id, "meta.llama"):
		return FamilyLlama
	default:
		return FamilyGPT
	}
}

// AdapterFor returns the adapter for a model id.
func AdapterFor(modelID string) Adapter {
	switch FamilyFor(modelID) {
	case FamilyClaude:
		return &ClaudeAdapter{}
	case FamilyLlama:
		return &LlamaAdapter{}
	default:
		return &GPTAdapter{}
	}
}

var reasoningTagRe = regexp.MustCompile(`(?s)<(reasoning|thinking)>.*?</(reasoning|thinking)>\s*`)

// StripReasoning removes reasoning/thinking tags from model output before it
// is shown to the client.
func StripReasoning(text string) string {
	return strings.TrimSpace(reasoningTagRe.ReplaceAllString(text, ""))
}
