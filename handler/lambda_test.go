package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"voicechat/internal/usecase"
)

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func TestHandle_Chat(t *testing.T) {
	chat := &stubChat{out: usecase.ChatOutput{Response: "hello", SessionID: "conv-1"}}
	h := newTestHandler(t, chat, &stubTranscribe{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/api/chat", `{"message":"hi","session_id":"conv-1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, resp.IsBase64Encoded)
	require.Equal(t, usecase.ChatInput{Message: "hi", SessionID: "conv-1"}, chat.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "hello", out.Response)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubTranscribe{})

	event := makeEvent(http.MethodGet, "/api/health", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_Base64Body(t *testing.T) {
	chat := &stubChat{out: usecase.ChatOutput{Response: "ok", SessionID: "default"}}
	h := newTestHandler(t, chat, &stubTranscribe{})

	event := makeEvent(http.MethodPost, "/api/chat", base64.StdEncoding.EncodeToString([]byte(`{"message":"encoded"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "encoded", chat.in.Message)

	event.Body = "%%%"
	_, err = h.Handle(context.Background(), event)
	require.Error(t, err)
}

func TestHandle_ErrorStatus(t *testing.T) {
	chat := &stubChat{err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "session_not_found"}}
	h := newTestHandler(t, chat, &stubTranscribe{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/session/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NOT_FOUND", parseBody[errorResponse](t, resp.Body).Error)
}

func TestIsTextual(t *testing.T) {
	require.True(t, isTextual(""))
	require.True(t, isTextual("text/html; charset=utf-8"))
	require.True(t, isTextual("application/json"))
	require.False(t, isTextual("image/png"))
}
