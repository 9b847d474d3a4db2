// Package channel adapts chat platforms to the message bus. Each adapter
// turns native events into domain.Message requests and renders the replies
// of the finished turn back to the platform.
package channel

import (
	"strings"

	"dialogbot/internal/domain"
)

// replyTexts returns the non-empty reply texts of a turn in order.
func replyTexts(resp *domain.Response) []string {
	if resp == nil {
		return nil
	}
	out := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || strings.TrimSpace(m.Text) == "" {
			continue
		}
		out = append(out, m.Text)
	}
	return out
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// newRequest builds an inbound request with the channel detail and native
// payload attached.
func newRequest(channel, detail, userID, text string, native any) *domain.Message {
	m := domain.NewMessage(channel, userID, strings.TrimSpace(text))
	m.ChannelDetail = detail
	m.ChannelMessage = native
	return m
}
