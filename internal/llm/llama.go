package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/apibridge/internal/tools"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// LlamaAdapter speaks the Llama instruct prompt format. Tool calling is
// text-based: tool definitions are injected into the system prompt, the model
// emits <tool_call>name({...})</tool_call> tags, and tool results go back as
// user turns headed by a "[Tool Result for name(id)]" line. The prompt is
// plain text; it carries no separate is_tool_result field.
type LlamaAdapter struct{}

func (a *LlamaAdapter) Family() Family { return FamilyLlama }

type llamaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

func (a *LlamaAdapter) FormatRequest(messages []*models.Message, descriptors []*tools.Descriptor, params Params) ([]byte, error) {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")

	system := params.System
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = msg.Content
		}
	}
	if len(descriptors) > 0 {
		system = system + "\n\n" + llamaToolInstructions(descriptors)
	}
	if system != "" {
		writeLlamaTurn(&b, "system", system)
	}

	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleSystem:
			// already folded into the leading system turn

		case msg.IsToolResultMessage():
			for _, tr := range msg.ToolResults {
				writeLlamaTurn(&b, "user", llamaToolResultText(tr))
			}
			if len(msg.ToolResults) == 0 && msg.Content != "" {
				writeLlamaTurn(&b, "user", msg.Content)
			}

		case msg.Role == models.RoleUser || msg.Role == models.RoleAssistant:
			writeLlamaTurn(&b, string(msg.Role), msg.Content)
		}
	}

	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	return json.Marshal(llamaRequest{
		Prompt:      b.String(),
		MaxGenLen:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	})
}

func writeLlamaTurn(b *strings.Builder, role, content string) {
	b.WriteString("<|start_header_id|>")
	b.WriteString(role)
	b.WriteString("<|end_header_id|>\n\n")
	b.WriteString(content)
	b.WriteString("<|eot_id|>")
}

// llamaToolResultText renders a tool result with a context header so the
// model recognizes it as the answer to its earlier call.
func llamaToolResultText(tr models.ToolResult) string {
	name := tr.Name
	if name == "" {
		name = "unknown"
	}
	if tr.IsError {
		return fmt.Sprintf("[Tool Result for %s(%s)]\nError: %s", name, tr.ToolCallID, tr.Content)
	}
	return fmt.Sprintf("[Tool Result for %s(%s)]\n%s", name, tr.ToolCallID, tr.Content)
}

func llamaToolInstructions(descriptors []*tools.Descriptor) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools. To call a tool, respond with ")
	b.WriteString("<tool_call>tool_name({\"arg\": \"value\"})</tool_call>.\n\nTools:\n")
	for _, d := range descriptors {
		b.WriteString(fmt.Sprintf("- %s: %s %s\n", d.Name, d.Description, d.InputSchema()))
	}
	return b.String()
}

var llamaToolCallRe = regexp.MustCompile(`(?s)<tool_call>([\w_]+)\((.*?)\)</tool_call>`)

type llamaResponse struct {
	Generation string `json:"generation"`
	StopReason string `json:"stop_reason"`
}

func (a *LlamaAdapter) ParseResponse(raw []byte) (*Reply, error) {
	var resp llamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("llama: failed to parse response: %w", err)
	}

	generation := strings.TrimLeft(resp.Generation, " \n\t")
	reply := &Reply{Content: generation, StopReason: resp.StopReason}

	matches := llamaToolCallRe.FindAllStringSubmatch(generation, -1)
	if len(matches) == 0 {
		return reply, nil
	}

	// Keep any leading prose; when the generation starts with tool calls the
	// full text stays so the model can see what it requested next turn.
	if first := strings.Index(generation, "<tool_call>"); first > 0 {
		reply.Content = strings.TrimSpace(generation[:first])
	}

	for _, match := range matches {
		argsStr := strings.TrimSpace(match[2])
		input := json.RawMessage(`{}`)
		if argsStr != "" {
			if !json.Valid([]byte(argsStr)) {
				continue
			}
			input = json.RawMessage(argsStr)
		}
		reply.ToolCalls = append(reply.ToolCalls, models.ToolCall{
			ID:    "llama-tool-" + uuid.NewString()[:8],
			Name:  match[1],
			Input: input,
		})
	}
	return reply, nil
}
