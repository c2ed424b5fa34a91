package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"voicechat/internal/domain"
)

const (
	defaultMaxMessageLen = 4000
	previewLength        = 100
)

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ChatStream(ctx context.Context, model string, messages []domain.ChatMessage, onDelta func(string) error) (string, error)
}

type HistoryStore interface {
	Get(ctx context.Context, sessionID string) ([]domain.Message, bool, error)
	Append(ctx context.Context, sessionID string, msgs ...domain.Message) error
	Clear(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]domain.Conversation, error)
}

type ChatConfig struct {
	Model         string
	SystemPrompt  string
	MaxMessageLen int
}

type ChatService struct {
	llm           LLMClient
	history       HistoryStore
	model         string
	systemPrompt  string
	maxMessageLen int
}

type ChatInput struct {
	Message   string
	SessionID string
}

type ChatOutput struct {
	Response  string
	SessionID string
}

// SessionSummary describes one non-empty stored conversation.
type SessionSummary struct {
	SessionID    string
	MessageCount int
	Preview      string
}

func NewChatService(llm LLMClient, history HistoryStore, cfg ChatConfig) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if history == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	return &ChatService{
		llm:           llm,
		history:       history,
		model:         model,
		systemPrompt:  cfg.SystemPrompt,
		maxMessageLen: cfg.MaxMessageLen,
	}, nil
}

// Model returns the chat model name sent upstream.
func (s *ChatService) Model() string {
	return s.model
}

// Chat answers one user message and records the exchange.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message, sessionID, prompt, err := s.prepare(ctx, in)
	if err != nil {
		return ChatOutput{}, err
	}

	reply, err := s.llm.Chat(ctx, s.model, prompt)
	if err != nil {
		return ChatOutput{}, upstreamError("llm", err)
	}
	if strings.TrimSpace(reply) == "" {
		return ChatOutput{}, newError(ErrorUpstream, "llm_empty_response", nil)
	}

	s.record(ctx, sessionID, message, reply)
	return ChatOutput{Response: reply, SessionID: sessionID}, nil
}

// StreamChat behaves like Chat but hands every reply fragment to onChunk as
// it arrives. The exchange is recorded only once the stream has finished.
func (s *ChatService) StreamChat(ctx context.Context, in ChatInput, onChunk func(string) error) (ChatOutput, error) {
	if onChunk == nil {
		return ChatOutput{}, newError(ErrorInternal, "missing_chunk_sink", nil)
	}
	message, sessionID, prompt, err := s.prepare(ctx, in)
	if err != nil {
		return ChatOutput{}, err
	}

	var sinkErr error
	reply, err := s.llm.ChatStream(ctx, s.model, prompt, func(delta string) error {
		if err := onChunk(delta); err != nil {
			sinkErr = err
			return err
		}
		return nil
	})
	if sinkErr != nil {
		return ChatOutput{}, newError(ErrorInternal, "stream_write_error", sinkErr)
	}
	if err != nil {
		return ChatOutput{}, upstreamError("llm", err)
	}
	if strings.TrimSpace(reply) == "" {
		return ChatOutput{}, newError(ErrorUpstream, "llm_empty_response", nil)
	}

	s.record(ctx, sessionID, message, reply)
	return ChatOutput{Response: reply, SessionID: sessionID}, nil
}

func (s *ChatService) prepare(ctx context.Context, in ChatInput) (string, string, []domain.ChatMessage, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return "", "", nil, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLen {
		return "", "", nil, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	sessionID := ResolveSessionID(in.SessionID)

	history, _, err := s.history.Get(ctx, sessionID)
	if err != nil {
		return "", "", nil, newError(ErrorInternal, "history_read_error", err)
	}
	return message, sessionID, buildPromptMessages(s.systemPrompt, history, message), nil
}

// record appends the user turn and the reply together. A failed write is
// logged and the reply still goes back to the caller.
func (s *ChatService) record(ctx context.Context, sessionID, message, reply string) {
	err := s.history.Append(context.WithoutCancel(ctx), sessionID,
		domain.NewMessage(domain.RoleUser, message),
		domain.NewMessage(domain.RoleAssistant, reply),
	)
	if err != nil {
		slog.Error("failed to save conversation history", "session_id", sessionID, "err", err)
	}
}

// Clear empties a session's history. Unknown sessions are not an error.
func (s *ChatService) Clear(ctx context.Context, sessionID string) error {
	if err := s.history.Clear(ctx, ResolveSessionID(sessionID)); err != nil {
		return newError(ErrorInternal, "history_write_error", err)
	}
	return nil
}

// Sessions lists non-empty conversations, most recently active first.
func (s *ChatService) Sessions(ctx context.Context) ([]SessionSummary, error) {
	convs, err := s.history.List(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	out := make([]SessionSummary, 0, len(convs))
	for _, c := range convs {
		if len(c.Messages) == 0 {
			continue
		}
		out = append(out, SessionSummary{
			SessionID:    c.SessionID,
			MessageCount: len(c.Messages),
			Preview:      preview(c.Messages, previewLength),
		})
	}
	return out, nil
}

// Session returns the stored messages of one session.
func (s *ChatService) Session(ctx context.Context, sessionID string) ([]domain.Message, error) {
	msgs, ok, err := s.history.Get(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "history_read_error", err)
	}
	if !ok {
		return nil, newError(ErrorNotFound, "session_not_found", nil)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

func (s *ChatService) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.history.Delete(ctx, sessionID); err != nil {
		return newError(ErrorInternal, "history_write_error", err)
	}
	return nil
}

// SessionCount counts every known session, including cleared ones.
func (s *ChatService) SessionCount(ctx context.Context) (int, error) {
	convs, err := s.history.List(ctx)
	if err != nil {
		return 0, newError(ErrorInternal, "history_read_error", err)
	}
	return len(convs), nil
}

// ResolveSessionID maps a missing session to domain.DefaultSessionID.
func ResolveSessionID(sessionID string) string {
	if id := strings.TrimSpace(sessionID); id != "" {
		return id
	}
	return domain.DefaultSessionID
}
