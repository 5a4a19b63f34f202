package llm

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/apibridge/internal/tools"
	"github.com/haasonsaas/apibridge/pkg/models"
)

const anthropicVersion = "bedrock-2023-05-31"

// ClaudeAdapter speaks the Anthropic messages format: content is a list of
// typed blocks, tool_use blocks live inside assistant messages and
// tool_result blocks inside user messages.
type ClaudeAdapter struct{}

func (a *ClaudeAdapter) Family() Family { return FamilyClaude }

type claudeContentBlock struct {
	Type string `json:"type"`
	// text
	Text string `json:"text,omitempty"`
	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Tools            []claudeTool    `json:"tools,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
}

func (a *ClaudeAdapter) FormatRequest(messages []*models.Message, descriptors []*tools.Descriptor, params Params) ([]byte, error) {
	req := claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        params.MaxTokens,
		Temperature:      params.Temperature,
		System:           params.System,
		StopSequences:    params.StopSequences,
	}

	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleSystem:
			// The system prompt travels in its own field.
			req.System = msg.Content

		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
			var blocks []claudeContentBlock
			if msg.Content != "" {
				blocks = append(blocks, claudeContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, claudeContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			req.Messages = append(req.Messages, claudeMessage{Role: "assistant", Content: blocks})

		case msg.IsToolResultMessage():
			var blocks []claudeContentBlock
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if tr.IsError {
					content = "Error: " + content
				}
				blocks = append(blocks, claudeContentBlock{
					Type:      "tool_result",
					ToolUseID: tr.ToolCallID,
					Content:   content,
				})
			}
			if len(blocks) == 0 && msg.ToolCallID != "" {
				blocks = append(blocks, claudeContentBlock{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				})
			}
			if len(blocks) > 0 {
				req.Messages = append(req.Messages, claudeMessage{Role: "user", Content: blocks})
			}

		case msg.Role == models.RoleUser || msg.Role == models.RoleAssistant:
			req.Messages = append(req.Messages, claudeMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}

	for _, d := range descriptors {
		req.Tools = append(req.Tools, claudeTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema(),
		})
	}

	return json.Marshal(req)
}

type claudeResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (a *ClaudeAdapter) ParseResponse(raw []byte) (*Reply, error) {
	var resp claudeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("claude: failed to parse response: %w", err)
	}

	reply := &Reply{StopReason: resp.StopReason}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			reply.Content += block.Text
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			reply.ToolCalls = append(reply.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return reply, nil
}
