// Package repository persists conversation history. Every store caps each
// session at a configured number of messages, keeping the newest.
package repository

import (
	"slices"
	"strings"

	"voicechat/internal/domain"
)

const (
	// DefaultMaxMessages is the per-session cap used when none is configured.
	DefaultMaxMessages = 100
	// MinMaxMessages is the smallest cap that still holds one full exchange.
	MinMaxMessages = 2
)

func normalizeMax(n int) int {
	if n <= 0 {
		return DefaultMaxMessages
	}
	return max(n, MinMaxMessages)
}

// trimHistory keeps the newest max messages. A conversation never starts
// with an assistant turn after trimming.
func trimHistory(msgs []domain.Message, max int) []domain.Message {
	if len(msgs) <= max {
		return msgs
	}
	out := msgs[len(msgs)-max:]
	for len(out) > 0 && out[0].Role == domain.RoleAssistant {
		out = out[1:]
	}
	return slices.Clone(out)
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

func sessionKey(sessionID string) (string, bool) {
	id := strings.TrimSpace(sessionID)
	return id, id != ""
}

// sortConversations orders by most recent activity, then by session ID.
func sortConversations(convs []domain.Conversation) {
	slices.SortStableFunc(convs, func(a, b domain.Conversation) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
}
