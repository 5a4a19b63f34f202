package conversation

import (
	"strings"

	"github.com/haasonsaas/apibridge/pkg/models"
)

// breakPatterns are natural split points in order of preference: paragraph,
// line, sentence, clause, word.
var breakPatterns = []string{"\n\n", "\n", ". ", ", ", " "}

// chunkMessage splits an oversized plain message into a sequence of
// continuation messages, breaking on the best natural boundary that fits the
// chunk size. Tool messages are never chunked; they are truncated instead.
func chunkMessage(msg *models.Message, chunkSize, overlap int) []*models.Message {
	if chunkSize <= 0 {
		return []*models.Message{msg}
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	chunks := splitContent(msg.Content, chunkSize, overlap)
	if len(chunks) <= 1 {
		return []*models.Message{msg}
	}

	out := make([]*models.Message, 0, len(chunks))
	for _, chunk := range chunks {
		clone := msg.Clone()
		clone.Content = chunk
		out = append(out, clone)
	}
	return out
}

// splitContent breaks content on natural boundaries, searching backwards from
// the ideal cut point within the last quarter of the chunk.
func splitContent(content string, chunkSize, overlap int) []string {
	var chunks []string
	i := 0
	for i < len(content) {
		idealEnd := i + chunkSize
		if idealEnd >= len(content) {
			tail := strings.TrimSpace(content[i:])
			if tail != "" {
				chunks = append(chunks, tail)
			}
			break
		}

		bestBreak := idealEnd
		searchStart := i + chunkSize/2
		if floor := idealEnd - chunkSize/4; floor > searchStart {
			searchStart = floor
		}
		for _, pattern := range breakPatterns {
			if pos := strings.LastIndex(content[searchStart:idealEnd], pattern); pos >= 0 {
				bestBreak = searchStart + pos + len(pattern)
				break
			}
		}

		chunk := strings.TrimSpace(content[i:bestBreak])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := bestBreak - overlap
		if next <= i {
			next = i + 1
		}
		i = next
	}
	return chunks
}
