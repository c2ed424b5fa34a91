// Package handler exposes the chat and transcription use cases over HTTP,
// server-sent events, websockets, and API Gateway proxy events.
package handler

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicechat/internal/domain"
	"voicechat/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxJSONBody       = 1 << 20
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	StreamChat(ctx context.Context, in usecase.ChatInput, onChunk func(string) error) (usecase.ChatOutput, error)
	Clear(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]usecase.SessionSummary, error)
	Session(ctx context.Context, sessionID string) ([]domain.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SessionCount(ctx context.Context) (int, error)
	Model() string
}

type TranscribeUseCase interface {
	Transcribe(ctx context.Context, in usecase.TranscribeInput) (string, error)
	Model() string
	MaxAudioBytes() int
}

type Handler struct {
	chat       ChatUseCase
	transcribe TranscribeUseCase
	assets     fs.FS
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type ctxKey struct{}

// NewHandler wires the routes. assets must hold index.html and a static/
// directory; a nil assets disables the UI routes.
func NewHandler(chat ChatUseCase, transcribe TranscribeUseCase, assets fs.FS) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if transcribe == nil {
		return nil, errors.New("handler: transcribe use case must not be nil")
	}
	h := &Handler{
		chat:       chat,
		transcribe: transcribe,
		assets:     assets,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	h.routes()
	return h, nil
}

func (h *Handler) routes() {
	if h.assets != nil {
		h.mux.HandleFunc("GET /{$}", h.handleIndex)
		if static, err := fs.Sub(h.assets, "static"); err == nil {
			h.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
		}
	}
	h.mux.HandleFunc("POST /api/transcribe", h.handleTranscribe)
	h.mux.HandleFunc("POST /api/chat", h.handleChat)
	h.mux.HandleFunc("POST /api/chat/stream", h.handleChatStream)
	h.mux.HandleFunc("GET /api/chat/ws", h.handleWebSocket)
	h.mux.HandleFunc("POST /api/clear", h.handleClear)
	h.mux.HandleFunc("GET /api/health", h.handleHealth)
	h.mux.HandleFunc("GET /api/sessions", h.handleSessions)
	h.mux.HandleFunc("GET /api/session/{id}", h.handleGetSession)
	h.mux.HandleFunc("DELETE /api/session/{id}", h.handleDeleteSession)
}

// ServeHTTP applies CORS and correlation IDs before routing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)
	setCORSHeaders(w.Header())

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, correlationID))
	h.mux.ServeHTTP(w, r)
	slog.Debug("request handled", "method", r.Method, "path", r.URL.Path, "correlation_id", correlationID, "duration", time.Since(start))
}

func setCORSHeaders(hdr http.Header) {
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, "+correlationHeader)
	hdr.Set("Access-Control-Expose-Headers", correlationHeader)
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, h.assets, "index.html")
}

type healthResponse struct {
	Status        string `json:"status"`
	WhisperModel  string `json:"whisper_model"`
	LLMModel      string `json:"llm_model"`
	ClaudeModel   string `json:"claude_model"` // older clients read this name
	TotalSessions int    `json:"total_sessions"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := h.chat.SessionCount(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		WhisperModel:  h.transcribe.Model(),
		LLMModel:      h.chat.Model(),
		ClaudeModel:   h.chat.Model(),
		TotalSessions: count,
	})
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "body_too_large", Err: err}
		}
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(body, dst); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","reason":"encode_error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorBody(err)
	attrs := []any{"path", r.URL.Path, "correlation_id", correlationIDFrom(r.Context()), "code", resp.Error, "reason", resp.Reason, "err", err}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", attrs...)
	} else {
		slog.Warn("request rejected", attrs...)
	}
	writeJSON(w, status, resp)
}

func errorBody(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "unexpected_error"}
	}
	return statusFor(ucErr.Code), errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
