package usecase

import (
	"strings"

	"voicechat/internal/domain"
)

// DefaultSystemPrompt keeps replies short enough to read right after speaking.
const DefaultSystemPrompt = "You are a helpful voice assistant. " +
	"Keep your responses concise and conversational since they will be displayed to a user who just spoke to you. " +
	"Be friendly, natural, and helpful. " +
	"Use markdown formatting when appropriate for readability."

func buildPromptMessages(systemPrompt string, history []domain.Message, message string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	if p := strings.TrimSpace(systemPrompt); p != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: p})
	}
	for _, m := range history {
		if cm, ok := historyToPromptMessage(m); ok {
			messages = append(messages, cm)
		}
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
}

// historyToPromptMessage drops turns the chat API would reject.
func historyToPromptMessage(m domain.Message) (domain.ChatMessage, bool) {
	if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
		return domain.ChatMessage{}, false
	}
	if strings.TrimSpace(m.Content) == "" {
		return domain.ChatMessage{}, false
	}
	return m.ToChatMessage(), true
}

// preview returns the first user message cut to limit runes.
func preview(msgs []domain.Message, limit int) string {
	for _, m := range msgs {
		if m.Role != domain.RoleUser {
			continue
		}
		r := []rune(m.Content)
		if len(r) <= limit {
			return m.Content
		}
		return string(r[:limit]) + "..."
	}
	return ""
}
