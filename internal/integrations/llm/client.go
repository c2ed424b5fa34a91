package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"voicechat/internal/domain"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 2048
	defaultTimeout   = 120 * time.Second
	keyLookupTimeout = 10 * time.Second
)

// KeySource yields the API key used to authenticate against the chat API.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a KeySource for keys taken from the environment.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return "", errors.New("llm: API key is not configured")
	}
	return key, nil
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("llm: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for OpenAI-compatible chat completion APIs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource
	maxTokens  int

	apiMu sync.Mutex
	api   *openai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClient creates a Client. The API key is requested from keys on the
// first call to Chat or ChatStream. A resolved key is reused for the lifetime
// of the process; a failed lookup is retried on the next call.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("llm: key source must not be nil")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		keys:       keys,
		maxTokens:  DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return DefaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func (c *Client) chatURL() string {
	return apiBaseURL(c.baseURL) + "/chat/completions"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (c *Client) resolveAPI(ctx context.Context) (*openai.Client, error) {
	c.apiMu.Lock()
	defer c.apiMu.Unlock()
	if c.api != nil {
		return c.api, nil
	}

	// The key outlives the request that triggered the lookup.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyLookupTimeout)
	defer cancel()
	key, err := c.keys.APIKey(lookupCtx)
	if err != nil {
		return nil, fmt.Errorf("llm: resolve api key: %w", err)
	}
	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = apiBaseURL(c.baseURL)
	cfg.HTTPClient = c.resolvedHTTPClient()
	c.api = openai.NewClientWithConfig(cfg)
	return c.api, nil
}

func (c *Client) request(model string, messages []domain.ChatMessage) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  out,
		MaxTokens: c.maxTokens,
	}
}

// Chat sends messages and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("llm: model must not be empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}

	resp, err := api.CreateChatCompletion(ctx, c.request(model, messages))
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", c.statusError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream sends messages and calls onDelta for every content fragment as
// it arrives. It returns the concatenated reply. An error from onDelta stops
// the stream and is returned as is.
func (c *Client) ChatStream(ctx context.Context, model string, messages []domain.ChatMessage, onDelta func(string) error) (string, error) {
	if model == "" {
		return "", errors.New("llm: model must not be empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}

	stream, err := api.CreateChatCompletionStream(ctx, c.request(model, messages))
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", c.statusError(err))
	}
	defer func() { _ = stream.Close() }()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("llm: stream receive: %w", c.statusError(err))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// statusError normalizes go-openai status errors into *HTTPStatusError so
// callers can branch on the upstream status code without importing go-openai.
func (c *Client) statusError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, URL: c.chatURL(), Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, URL: c.chatURL(), Body: reqErr.Error(), Err: err}
	}
	return err
}
