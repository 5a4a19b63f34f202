package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsToolResultMessage(t *testing.T) {
	// GPT style: tool role.
	gpt := &Message{Role: RoleTool, ToolCallID: "x", Content: "out"}
	assert.True(t, gpt.IsToolResultMessage())

	// Claude style: user message carrying tool results.
	claude := &Message{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "x"}}}
	assert.True(t, claude.IsToolResultMessage())

	// Llama style: marked user message.
	llama := &Message{Role: RoleUser, IsToolResult: true, Content: "out"}
	assert.True(t, llama.IsToolResultMessage())

	plain := &Message{Role: RoleUser, Content: "hello"}
	assert.False(t, plain.IsToolResultMessage())

	assistant := &Message{Role: RoleAssistant, Content: "hi"}
	assert.False(t, assistant.IsToolResultMessage())
}

func TestHasToolUse(t *testing.T) {
	msg := &Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "u", Name: "t"}}}
	assert.True(t, msg.HasToolUse())

	assert.False(t, (&Message{Role: RoleAssistant}).HasToolUse())
	assert.False(t, (&Message{Role: RoleUser, ToolCalls: []ToolCall{{ID: "u"}}}).HasToolUse())
}

func TestContentSize(t *testing.T) {
	msg := &Message{
		Role:        RoleTool,
		Content:     "abc",
		ToolResults: []ToolResult{{Content: "defg"}},
	}
	assert.Equal(t, 7, msg.ContentSize())
}

func TestCloneIsDeep(t *testing.T) {
	msg := &Message{
		Role:        RoleAssistant,
		Content:     "text",
		ToolCalls:   []ToolCall{{ID: "u", Name: "t", Input: json.RawMessage(`{"a":1}`)}},
		ToolResults: []ToolResult{{ToolCallID: "u", Content: "r"}},
	}
	clone := msg.Clone()

	clone.ToolCalls[0].Input[2] = 'x'
	clone.ToolResults[0].Content = "changed"

	assert.Equal(t, json.RawMessage(`{"a":1}`), msg.ToolCalls[0].Input)
	assert.Equal(t, "r", msg.ToolResults[0].Content)
}
