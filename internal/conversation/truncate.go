package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/apibridge/pkg/models"
)

const (
	truncatedTextSuffix = "…[truncated]"
	// multiResultBuffer leaves headroom when one budget is split across
	// several tool results.
	multiResultBuffer = 0.8
)

// truncateToolResults applies the two-tier truncation policy. The trailing
// run of tool-result messages at the end of the view is the current turn's
// new response and gets the generous tier-1 budget; everything older gets the
// tight tier-2 budget. With historyOnly set, the trailing group is treated as
// history too (used for context-window recovery).
func (m *Manager) truncateToolResults(messages []*models.Message, historyOnly bool) []*models.Message {
	if len(messages) == 0 {
		return messages
	}

	trailingStart := len(messages)
	if !historyOnly {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].IsToolResultMessage() {
				trailingStart = i
			} else {
				break
			}
		}
	}

	out := make([]*models.Message, 0, len(messages))
	for i, msg := range messages {
		if !msg.IsToolResultMessage() {
			out = append(out, msg)
			continue
		}
		if i >= trailingStart {
			continue // handled below as a group
		}
		out = append(out, truncateMessage(msg, m.cfg.HistoryThreshold, m.cfg.HistoryTarget))
	}

	if trailingStart < len(messages) {
		trailing := messages[trailingStart:]
		totalSize := 0
		for _, msg := range trailing {
			totalSize += msg.ContentSize()
		}
		if totalSize > m.cfg.NewResponseThreshold {
			// The group blew the tier-1 budget: divide it proportionally.
			n := len(trailing)
			perThreshold := m.cfg.NewResponseThreshold / n
			perTarget := int(float64(m.cfg.NewResponseTarget) * multiResultBuffer / float64(n))
			m.logger.Warn("trailing tool results exceed budget, truncating group",
				"size", totalSize, "threshold", m.cfg.NewResponseThreshold, "messages", n)
			for _, msg := range trailing {
				out = append(out, truncateMessage(msg, perThreshold, perTarget))
			}
		} else {
			out = append(out, trailing...)
		}
	}

	return out
}

// truncateMessage rewrites any tool result in the message whose content
// exceeds the threshold down to the target size. The original message is
// never mutated. When one message holds several results both budgets are
// divided across them.
func truncateMessage(msg *models.Message, threshold, target int) *models.Message {
	if threshold <= 0 {
		return msg
	}

	// Plain-content carriers: GPT tool role and Llama marked user messages.
	if len(msg.ToolResults) == 0 {
		if len(msg.Content) <= threshold {
			return msg
		}
		clone := msg.Clone()
		clone.Content = TruncateContent(msg.Content, target)
		return clone
	}

	perThreshold := threshold
	perTarget := target
	if n := len(msg.ToolResults); n > 1 {
		perThreshold = threshold / n
		perTarget = int(float64(target) * multiResultBuffer / float64(n))
	}

	dirty := false
	for _, tr := range msg.ToolResults {
		if len(tr.Content) > perThreshold {
			dirty = true
			break
		}
	}
	if !dirty {
		return msg
	}

	clone := msg.Clone()
	for i := range clone.ToolResults {
		if len(clone.ToolResults[i].Content) > perThreshold {
			clone.ToolResults[i].Content = TruncateContent(clone.ToolResults[i].Content, perTarget)
		}
	}
	return clone
}

// TruncateContent shrinks oversized content to roughly the target size.
// JSON payloads keep a structured head with an explicit count of what was
// dropped; anything else keeps the leading characters. The function is
// idempotent: already-truncated content is returned unchanged.
func TruncateContent(content string, target int) string {
	if len(content) <= target {
		return content
	}
	if strings.HasSuffix(content, truncatedTextSuffix) || isTruncatedJSON(content) {
		return content
	}
	if out, ok := truncateJSON(content, target); ok {
		return out
	}
	if target < 0 {
		target = 0
	}
	return content[:target] + truncatedTextSuffix
}

func isTruncatedJSON(content string) bool {
	idx := strings.LastIndex(content, "\n…truncated (")
	return idx >= 0 && strings.HasSuffix(content, ")")
}

// truncateJSON keeps the leading elements of a root JSON array or the leading
// fields of a root object within the target budget.
func truncateJSON(content string, target int) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 {
		return "", false
	}
	switch trimmed[0] {
	case '[':
		return truncateJSONArray(trimmed, target)
	case '{':
		return truncateJSONObject(trimmed, target)
	}
	return "", false
}

func truncateJSONArray(content string, target int) (string, bool) {
	dec := json.NewDecoder(strings.NewReader(content))
	if _, err := dec.Token(); err != nil {
		return "", false
	}

	var kept []string
	size := 2 // brackets
	dropped := 0
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return "", false
		}
		if dropped > 0 || size+len(raw)+1 > target {
			dropped++
			continue
		}
		kept = append(kept, string(raw))
		size += len(raw) + 1
	}
	if dropped == 0 {
		return content, true
	}
	head := "[" + strings.Join(kept, ",") + "]"
	return fmt.Sprintf("%s\n…truncated (%d more items)", head, dropped), true
}

func truncateJSONObject(content string, target int) (string, bool) {
	dec := json.NewDecoder(strings.NewReader(content))
	if _, err := dec.Token(); err != nil {
		return "", false
	}

	var kept []string
	size := 2
	dropped := 0
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", false
		}
		key, ok := keyTok.(string)
		if !ok {
			return "", false
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return "", false
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return "", false
		}
		field := string(encodedKey) + ":" + string(raw)
		if dropped > 0 || size+len(field)+1 > target {
			dropped++
			continue
		}
		kept = append(kept, field)
		size += len(field) + 1
	}
	if dropped == 0 {
		return content, true
	}
	head := "{" + strings.Join(kept, ",") + "}"
	return fmt.Sprintf("%s\n…truncated (%d more fields)", head, dropped), true
}
