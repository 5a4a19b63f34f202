package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/apibridge/pkg/models"
)

func TestChunkMessageSplitsOnParagraphs(t *testing.T) {
	paragraphs := make([]string, 10)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("sentence. ", 30)
	}
	content := strings.Join(paragraphs, "\n\n")

	msg := &models.Message{Role: models.RoleUser, Content: content}
	chunks := chunkMessage(msg, 500, 0)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.Equal(t, models.RoleUser, chunk.Role)
		assert.LessOrEqual(t, len(chunk.Content), 500)
		assert.NotEmpty(t, chunk.Content)
	}
}

func TestChunkMessageSmallContentUntouched(t *testing.T) {
	msg := &models.Message{Role: models.RoleUser, Content: "short"}
	chunks := chunkMessage(msg, 500, 50)
	require.Len(t, chunks, 1)
	assert.Same(t, msg, chunks[0])
}

func TestSplitContentMakesProgress(t *testing.T) {
	// Content with no natural boundaries still terminates.
	content := strings.Repeat("x", 2000)
	chunks := splitContent(content, 500, 100)
	require.NotEmpty(t, chunks)

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	assert.GreaterOrEqual(t, total, 2000)
}

func TestAppendChunksOversizedUserMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 100
	cfg.ChunkSize = 50
	cfg.ChunkOverlap = 0
	m := NewManager(cfg, "", nil)

	m.Append(&models.Message{Role: models.RoleUser, Content: strings.Repeat("word ", 60)})
	assert.Greater(t, m.Len(), 1)
}

func TestAppendNeverChunksToolResults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 10
	cfg.ChunkSize = 5
	m := NewManager(cfg, "", nil)

	m.Append(assistantToolUse("u", "tool"))
	m.Append(toolResult("u", strings.Repeat("x", 100)))
	assert.Equal(t, 2, m.Len())
}
