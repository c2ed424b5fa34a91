package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicechat/internal/usecase"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsRequest is a client frame on /api/chat/ws.
type wsRequest struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Audio     string `json:"audio,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// wsEvent is a server frame on /api/chat/ws.
type wsEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Response  string `json:"response,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ev wsEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWebSocket runs one voice session: each client frame is either typed
// text or a recording, answered by a transcript (for recordings), reply
// chunks, and a done frame. Frames are handled one at a time.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "correlation_id", correlationIDFrom(r.Context()), "err", err)
		return
	}
	defer conn.Close()

	// recordings arrive base64-encoded inside JSON
	conn.SetReadLimit(int64(h.transcribe.MaxAudioBytes())/3*4 + maxJSONBody)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	wc := &wsConn{conn: conn}
	go keepAlive(ctx, wc)

	log := slog.With("correlation_id", correlationIDFrom(r.Context()))
	log.Info("websocket session started")
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "err", err)
			}
			break
		}

		var req wsRequest
		if err := sonic.ConfigStd.Unmarshal(data, &req); err != nil {
			if err := wc.send(errorEvent(&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})); err != nil {
				break
			}
			continue
		}
		if err := h.serveFrame(ctx, wc, req); err != nil {
			log.Warn("websocket write failed", "err", err)
			break
		}
	}
	log.Info("websocket session ended")
}

// serveFrame answers one client frame. Use case failures become error
// frames; only a failed write is returned.
func (h *Handler) serveFrame(ctx context.Context, wc *wsConn, req wsRequest) error {
	message := req.Message
	switch req.Type {
	case "chat":
	case "voice":
		text, err := h.transcribe.Transcribe(ctx, usecase.TranscribeInput{Base64: req.Audio, MimeType: req.MimeType})
		if err != nil {
			return wc.send(errorEvent(err))
		}
		if err := wc.send(wsEvent{Type: "transcript", Text: text}); err != nil {
			return err
		}
		if text == "" {
			return wc.send(errorEvent(&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "no_speech_detected"}))
		}
		message = text
	default:
		return wc.send(errorEvent(&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unknown_frame_type"}))
	}

	out, err := h.chat.StreamChat(ctx, usecase.ChatInput{Message: message, SessionID: req.SessionID}, func(chunk string) error {
		return wc.send(wsEvent{Type: "chunk", Chunk: chunk})
	})
	if err != nil {
		return wc.send(errorEvent(err))
	}
	return wc.send(wsEvent{Type: "done", Response: out.Response, SessionID: out.SessionID})
}

func keepAlive(ctx context.Context, wc *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}

func errorEvent(err error) wsEvent {
	_, body := errorBody(err)
	return wsEvent{Type: "error", Error: body.Error, Reason: body.Reason}
}
