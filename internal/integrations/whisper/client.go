// Package whisper transcribes recorded speech through a local Whisper server
// that exposes the OpenAI-compatible audio transcription endpoint.
package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"voicechat/internal/domain"
)

const (
	DefaultBaseURL = "http://localhost:8000/v1"
	DefaultModel   = "base"
	defaultTimeout = 5 * time.Minute
)

// Client calls POST {base}/audio/transcriptions.
type Client struct {
	model    string
	language string
	api      *openai.Client
}

type Option func(*clientConfig)

type clientConfig struct {
	baseURL    string
	apiKey     string
	language   string
	httpClient *http.Client
}

func WithBaseURL(baseURL string) Option {
	return func(c *clientConfig) { c.baseURL = strings.TrimSpace(baseURL) }
}

// WithAPIKey sets a bearer token; most local servers ignore it.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithLanguage pins the spoken language (ISO-639-1). Empty means auto-detect.
func WithLanguage(lang string) Option {
	return func(c *clientConfig) { c.language = strings.TrimSpace(lang) }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = httpClient }
}

// New creates a Client for the given Whisper model name.
func New(model string, opts ...Option) (*Client, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("whisper: model must not be empty")
	}
	cfg := clientConfig{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	oc := openai.DefaultConfig(cfg.apiKey)
	oc.BaseURL = strings.TrimRight(cfg.baseURL, "/")
	if oc.BaseURL == "" {
		oc.BaseURL = DefaultBaseURL
	}
	oc.HTTPClient = cfg.httpClient

	return &Client{
		model:    model,
		language: cfg.language,
		api:      openai.NewClientWithConfig(oc),
	}, nil
}

// Model returns the configured Whisper model name.
func (c *Client) Model() string {
	return c.model
}

// Transcribe returns the recognized text with surrounding whitespace removed.
func (c *Client) Transcribe(ctx context.Context, audio domain.Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", errors.New("whisper: audio is empty")
	}
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: FileName(audio.MimeType),
		Reader:   bytes.NewReader(audio.Data),
		Language: c.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("whisper: transcription failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// FileName picks an upload file name whose extension matches the recording
// container, so the server can pick the right decoder.
func FileName(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/ogg", "audio/opus":
		return "audio.ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "audio.wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "audio.m4a"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/flac":
		return "audio.flac"
	default:
		return "audio.webm"
	}
}
