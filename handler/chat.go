package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"voicechat/internal/domain"
	"voicechat/internal/usecase"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type sessionSummary struct {
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
	Preview      string `json:"preview"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []domain.Message `json:"messages"`
}

// streamEvent is one server-sent event frame on /api/chat/stream.
type streamEvent struct {
	Chunk     string `json:"chunk,omitempty"`
	Done      bool   `json:"done,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.chat.Chat(r.Context(), usecase.ChatInput{Message: req.Message, SessionID: req.SessionID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: out.Response, SessionID: out.SessionID})
}

// handleChatStream answers with text/event-stream. Input errors are still
// reported as plain JSON since no frame has been sent yet.
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"})
		return
	}

	rc := http.NewResponseController(w)
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev streamEvent) error {
		data, err := sonic.ConfigStd.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	out, err := h.chat.StreamChat(r.Context(), usecase.ChatInput{Message: req.Message, SessionID: req.SessionID}, func(chunk string) error {
		return send(streamEvent{Chunk: chunk})
	})
	if err != nil {
		_, body := errorBody(err)
		slog.Warn("stream failed", "correlation_id", correlationIDFrom(r.Context()), "code", body.Error, "reason", body.Reason, "err", err)
		_ = send(streamEvent{Error: body.Reason, Code: body.Error})
		return
	}
	_ = send(streamEvent{Done: true, SessionID: out.SessionID})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.chat.Clear(r.Context(), req.SessionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "cleared"})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chat.Sessions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := sessionsResponse{Sessions: make([]sessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, sessionSummary{
			SessionID:    s.SessionID,
			MessageCount: s.MessageCount,
			Preview:      s.Preview,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := h.chat.Session(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Messages: msgs})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}
