package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/haasonsaas/apibridge/internal/tools"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// GPTAdapter speaks the OpenAI-compatible chat format: a flat message list
// where tool_calls live on assistant messages and tool results are separate
// tool-role messages carrying a tool_call_id. Text is sanitized because the
// GPT OSS tokenizer chokes on some Unicode.
type GPTAdapter struct{}

func (a *GPTAdapter) Family() Family { return FamilyGPT }

type gptFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type gptToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function gptFunctionCall `json:"function"`
}

type gptMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []gptToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type gptTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type gptRequest struct {
	Messages    []gptMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
	TopP        float64      `json:"top_p"`
	Tools       []gptTool    `json:"tools,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
}

func (a *GPTAdapter) FormatRequest(messages []*models.Message, descriptors []*tools.Descriptor, params Params) ([]byte, error) {
	req := gptRequest{
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        params.StopSequences,
	}

	hasSystem := false
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			hasSystem = true
			break
		}
	}
	if !hasSystem && params.System != "" {
		req.Messages = append(req.Messages, gptMessage{Role: "system", Content: sanitizeText(params.System)})
	}

	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleSystem || (msg.Role == models.RoleUser && !msg.IsToolResultMessage()):
			req.Messages = append(req.Messages, gptMessage{Role: string(msg.Role), Content: sanitizeText(msg.Content)})

		case msg.Role == models.RoleAssistant:
			out := gptMessage{Role: "assistant", Content: sanitizeText(msg.Content)}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, gptToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: gptFunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			req.Messages = append(req.Messages, out)

		case msg.IsToolResultMessage():
			if len(msg.ToolResults) == 0 {
				req.Messages = append(req.Messages, gptMessage{
					Role:       "tool",
					ToolCallID: msg.ToolCallID,
					Content:    sanitizeText(msg.Content),
				})
				continue
			}
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if tr.IsError {
					content = "Error: " + content
				}
				req.Messages = append(req.Messages, gptMessage{
					Role:       "tool",
					ToolCallID: tr.ToolCallID,
					Content:    sanitizeText(content),
				})
			}
		}
	}

	for _, d := range descriptors {
		tool := gptTool{Type: "function"}
		tool.Function.Name = d.Name
		tool.Function.Description = d.Description
		tool.Function.Parameters = d.InputSchema()
		req.Tools = append(req.Tools, tool)
	}

	return json.Marshal(req)
}

type gptResponse struct {
	Choices []struct {
		Message struct {
			Content   string        `json:"content"`
			ToolCalls []gptToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (a *GPTAdapter) ParseResponse(raw []byte) (*Reply, error) {
	var resp gptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("gpt: failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &Reply{}, nil
	}

	choice := resp.Choices[0]
	reply := &Reply{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != "function" && tc.Type != "" {
			continue
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		reply.ToolCalls = append(reply.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(args),
		})
	}
	return reply, nil
}

// invisibleReplacements normalizes whitespace variants and drops zero-width
// characters before tokenization.
var invisibleReplacements = map[rune]string{
	'\u202f': " ", // narrow no-break space
	'\u00a0': " ", // non-breaking space
	'\u2009': " ", // thin space
	'\u200b': "",  // zero-width space
	'\u200c': "",  // zero-width non-joiner
	'\u200d': "",  // zero-width joiner
	'\ufeff': "",  // BOM
	'\u2060': "",  // word joiner
	'\u2061': "",  // function application
}

// sanitizeText strips characters that break GPT OSS tokenization: invisible
// Unicode, control characters, and emoji ranges.
func sanitizeText(text string) string {
	if text == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if repl, ok := invisibleReplacements[r]; ok {
			b.WriteString(repl)
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		if r >= 0x1F300 || (r >= 0x1F1E6 && r <= 0x1F1FF) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
