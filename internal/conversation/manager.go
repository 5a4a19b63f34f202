// Package conversation owns the ordered message history for a session. It
// enforces two invariants whenever history is handed to the LLM pipeline:
// tool_use/tool_result pair integrity and the configured size budgets.
package conversation

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/haasonsaas/apibridge/pkg/models"
)

// Strategy names for history eviction.
const (
	StrategyTruncate      = "truncate"
	StrategySlidingWindow = "sliding_window"
	StrategySmartPrune    = "smart_prune"
)

// Config configures history management for one session.
type Config struct {
	MaxMessages    int
	Strategy       string
	PreserveSystem bool

	NewResponseThreshold int
	NewResponseTarget    int
	HistoryThreshold     int
	HistoryTarget        int

	EnableChunking bool
	MaxMessageSize int
	ChunkSize      int
	ChunkOverlap   int
}

// DefaultConfig returns the default conversation configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessages:          100,
		Strategy:             StrategySlidingWindow,
		PreserveSystem:       true,
		NewResponseThreshold: 500000,
		NewResponseTarget:    425000,
		HistoryThreshold:     50000,
		HistoryTarget:        42500,
		EnableChunking:       true,
		MaxMessageSize:       100000,
		ChunkSize:            50000,
		ChunkOverlap:         200,
	}
}

// Manager manages one session's history. It is not safe for concurrent use;
// the session gate serializes all access.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	messages []*models.Message
}

// NewManager creates a conversation manager seeded with the system prompt.
func NewManager(cfg Config, systemPrompt string, logger *slog.Logger) *Manager {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySlidingWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, logger: logger}
	if systemPrompt != "" {
		m.messages = append(m.messages, &models.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	return m
}

// Append adds a message, chunking oversized plain content first and trimming
// back to budget afterwards.
func (m *Manager) Append(msg *models.Message) {
	if msg == nil {
		return
	}
	if m.cfg.EnableChunking && !msg.IsToolResultMessage() && !msg.HasToolUse() && len(msg.Content) > m.cfg.MaxMessageSize {
		for _, chunk := range chunkMessage(msg, m.cfg.ChunkSize, m.cfg.ChunkOverlap) {
			m.messages = append(m.messages, chunk)
		}
	} else {
		m.messages = append(m.messages, msg)
	}
	if len(m.messages) > m.cfg.MaxMessages {
		m.messages = m.trim(m.messages)
	}
}

// History returns a copy of the full stored history.
func (m *Manager) History() []*models.Message {
	out := make([]*models.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Len returns the stored message count.
func (m *Manager) Len() int { return len(m.messages) }

// Clear resets the history, keeping the leading system message when asked.
func (m *Manager) Clear(preserveSystem bool) {
	if preserveSystem && len(m.messages) > 0 && m.messages[0].Role == models.RoleSystem {
		m.messages = m.messages[:1]
		return
	}
	m.messages = nil
}

// SnapshotForLLM returns a view of history that satisfies pair integrity and
// the size budgets. The stored history is not mutated beyond trimming.
func (m *Manager) SnapshotForLLM() []*models.Message {
	view := m.removeOrphans(m.trim(m.messages))
	view = m.truncateToolResults(view, false)
	mustHavePairIntegrity(view)
	return view
}

// ShrinkForRetry produces progressively smaller views for context-window
// recovery. Stage 0 re-applies history-tier truncation to every tool result
// including the trailing group; stage 1 and above apply the aggressive
// fallback.
func (m *Manager) ShrinkForRetry(stage int) []*models.Message {
	view := m.trim(m.messages)
	view = m.truncateToolResults(view, true)
	if stage >= 1 {
		view = aggressiveFallback(view, m.cfg.MaxMessages, m.cfg.PreserveSystem)
		view = m.removeOrphans(view)
	}
	mustHavePairIntegrity(view)
	return view
}

// trim applies the configured eviction strategy and the pair-preserving
// finalizer. Histories within budget are returned unchanged.
func (m *Manager) trim(messages []*models.Message) []*models.Message {
	if len(messages) <= m.cfg.MaxMessages {
		return messages
	}

	m.logger.Debug("trimming conversation history",
		"messages", len(messages), "max", m.cfg.MaxMessages, "strategy", m.cfg.Strategy)

	var systemMsg *models.Message
	remaining := messages
	budget := m.cfg.MaxMessages
	if m.cfg.PreserveSystem && len(messages) > 0 && messages[0].Role == models.RoleSystem {
		systemMsg = messages[0]
		remaining = messages[1:]
		budget--
	}

	var selected map[int]bool
	switch m.cfg.Strategy {
	case StrategyTruncate, StrategySlidingWindow:
		selected = recentIndices(remaining, budget)
	case StrategySmartPrune:
		remaining, selected = smartPruneCandidates(remaining, budget)
	default:
		selected = recentIndices(remaining, budget)
	}

	kept := finalizeSelection(remaining, selected, budget)

	out := make([]*models.Message, 0, len(kept)+1)
	if systemMsg != nil {
		out = append(out, systemMsg)
	}
	out = append(out, kept...)
	return out
}

// recentIndices selects the most recent budget messages.
func recentIndices(messages []*models.Message, budget int) map[int]bool {
	selected := make(map[int]bool, budget)
	start := 0
	if len(messages) > budget {
		start = len(messages) - budget
	}
	for i := start; i < len(messages); i++ {
		selected[i] = true
	}
	return selected
}

// smartPruneCandidates drops tool exchanges first; only when that is not
// enough does it fall back to recency over the remaining messages.
func smartPruneCandidates(messages []*models.Message, budget int) ([]*models.Message, map[int]bool) {
	nonTool := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.IsToolResultMessage() || msg.HasToolUse() {
			continue
		}
		nonTool = append(nonTool, msg)
	}
	if len(nonTool) <= budget {
		selected := make(map[int]bool, len(nonTool))
		for i := range nonTool {
			selected[i] = true
		}
		return nonTool, selected
	}
	return nonTool, recentIndices(nonTool, budget)
}

// finalizeSelection enforces pair integrity on a candidate index set: the
// mate of every selected tool_use/tool_result is pulled in, pairs that cannot
// fit the budget are dropped together, and remaining orphans are removed.
func finalizeSelection(messages []*models.Message, selected map[int]bool, budget int) []*models.Message {
	useLoc, resultLoc := pairLocations(messages)

	// Iteratively expand the selection with missing mates.
	for changed := true; changed; {
		changed = false
		for i := range selected {
			msg := messages[i]
			if msg.IsToolResultMessage() {
				for _, tr := range msg.ToolResults {
					if idx, ok := useLoc[tr.ToolCallID]; ok && !selected[idx] {
						selected[idx] = true
						changed = true
					}
				}
				if msg.ToolCallID != "" {
					if idx, ok := useLoc[msg.ToolCallID]; ok && !selected[idx] {
						selected[idx] = true
						changed = true
					}
				}
			}
			if msg.HasToolUse() {
				for _, tc := range msg.ToolCalls {
					if idx, ok := resultLoc[tc.ID]; ok && !selected[idx] {
						selected[idx] = true
						changed = true
					}
				}
			}
		}
	}

	// Expansion may have blown the budget: drop whole pairs oldest-first.
	for budget > 0 && len(selected) > budget {
		oldest := -1
		for i := range selected {
			if oldest == -1 || i < oldest {
				oldest = i
			}
		}
		dropWithMates(messages, selected, oldest, useLoc, resultLoc)
	}

	// Final orphan sweep.
	removeOrphanIndices(messages, selected, useLoc, resultLoc)

	indices := make([]int, 0, len(selected))
	for i := range selected {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]*models.Message, 0, len(indices))
	for _, i := range indices {
		out = append(out, messages[i])
	}
	return out
}

// dropWithMates removes an index and every index paired with it.
func dropWithMates(messages []*models.Message, selected map[int]bool, idx int, useLoc, resultLoc map[string]int) {
	delete(selected, idx)
	msg := messages[idx]
	if msg.HasToolUse() {
		for _, tc := range msg.ToolCalls {
			if j, ok := resultLoc[tc.ID]; ok {
				delete(selected, j)
			}
		}
	}
	if msg.IsToolResultMessage() {
		for _, tr := range msg.ToolResults {
			if j, ok := useLoc[tr.ToolCallID]; ok {
				delete(selected, j)
			}
		}
		if msg.ToolCallID != "" {
			if j, ok := useLoc[msg.ToolCallID]; ok {
				delete(selected, j)
			}
		}
	}
}

// removeOrphanIndices drops selected messages whose pair mate is absent.
func removeOrphanIndices(messages []*models.Message, selected map[int]bool, useLoc, resultLoc map[string]int) {
	available := map[string]bool{}
	for i := range selected {
		for _, tc := range messages[i].ToolCalls {
			if messages[i].Role == models.RoleAssistant {
				available[tc.ID] = true
			}
		}
	}
	for i := range selected {
		msg := messages[i]
		if !msg.IsToolResultMessage() {
			continue
		}
		orphaned := false
		for _, tr := range msg.ToolResults {
			if tr.ToolCallID != "" && !available[tr.ToolCallID] {
				orphaned = true
			}
		}
		if msg.ToolCallID != "" && !available[msg.ToolCallID] {
			orphaned = true
		}
		if orphaned {
			delete(selected, i)
		}
	}

	// The reverse direction: assistants whose results vanished.
	resultPresent := map[string]bool{}
	for i := range selected {
		msg := messages[i]
		for _, tr := range msg.ToolResults {
			resultPresent[tr.ToolCallID] = true
		}
		if msg.ToolCallID != "" {
			resultPresent[msg.ToolCallID] = true
		}
	}
	for i := range selected {
		msg := messages[i]
		if !msg.HasToolUse() {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if _, hasResult := resultLoc[tc.ID]; hasResult && !resultPresent[tc.ID] {
				delete(selected, i)
				break
			}
		}
	}
}

// removeOrphans is the message-slice form of the orphan sweep used on views
// produced outside the index-based finalizer.
func (m *Manager) removeOrphans(messages []*models.Message) []*models.Message {
	selected := make(map[int]bool, len(messages))
	for i := range messages {
		selected[i] = true
	}
	useLoc, resultLoc := pairLocations(messages)
	removeOrphanIndices(messages, selected, useLoc, resultLoc)
	out := make([]*models.Message, 0, len(selected))
	for i := range messages {
		if selected[i] {
			out = append(out, messages[i])
		}
	}
	return out
}

// pairLocations maps tool call ids to the assistant message index that issued
// them and to the message index holding their result.
func pairLocations(messages []*models.Message) (useLoc, resultLoc map[string]int) {
	useLoc = map[string]int{}
	resultLoc = map[string]int{}
	for i, msg := range messages {
		if msg.Role == models.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					useLoc[tc.ID] = i
				}
			}
		}
		if msg.IsToolResultMessage() {
			for _, tr := range msg.ToolResults {
				if tr.ToolCallID != "" {
					resultLoc[tr.ToolCallID] = i
				}
			}
			if msg.ToolCallID != "" {
				resultLoc[msg.ToolCallID] = i
			}
		}
	}
	return useLoc, resultLoc
}

// mustHavePairIntegrity panics when a history view contains an orphaned side
// of a tool pair. Reaching this is a programming error; the view must never
// be sent to the model.
func mustHavePairIntegrity(messages []*models.Message) {
	uses := map[string]bool{}
	results := map[string]bool{}
	for _, msg := range messages {
		if msg.Role == models.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				uses[tc.ID] = true
			}
		}
		if msg.IsToolResultMessage() {
			for _, tr := range msg.ToolResults {
				results[tr.ToolCallID] = true
			}
			if msg.ToolCallID != "" {
				results[msg.ToolCallID] = true
			}
		}
	}
	for id := range results {
		if id != "" && !uses[id] {
			panic(fmt.Sprintf("conversation: orphaned tool_result %s in snapshot", id))
		}
	}
	for id := range uses {
		if id != "" && !results[id] {
			panic(fmt.Sprintf("conversation: orphaned tool_use %s in snapshot", id))
		}
	}
}

// aggressiveFallback reduces history to the bare minimum after a
// context-window error, always keeping the latest tool exchange intact.
func aggressiveFallback(messages []*models.Message, maxMessages int, preserveSystem bool) []*models.Message {
	totalChars := 0
	for _, msg := range messages {
		totalChars += msg.ContentSize()
	}

	limit := maxMessages / 3
	if limit < 5 {
		limit = 5
	}
	if len(messages) > 50 || totalChars > 500000 {
		limit = maxMessages / 10
		if limit < 1 {
			limit = 1
		}
		if limit > 3 {
			limit = 3
		}
	}

	var out []*models.Message
	remaining := messages
	if preserveSystem && len(messages) > 0 && messages[0].Role == models.RoleSystem {
		out = append(out, messages[0])
		remaining = messages[1:]
		limit--
	}

	// Keep the last assistant tool_use together with its result message.
	var lastAssistant, lastResult *models.Message
	var filtered []*models.Message
	for _, msg := range remaining {
		switch {
		case msg.IsToolResultMessage():
			lastResult = msg
		case msg.HasToolUse():
			lastAssistant = msg
		default:
			filtered = append(filtered, msg)
		}
	}
	if lastResult != nil && lastAssistant != nil {
		filtered = append(filtered, lastAssistant, lastResult)
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return append(out, filtered...)
}
