package main

import (
	"io"
	"log/slog"
	"strconv"
	"strings"

	"voicechat/internal/integrations/llm"
	"voicechat/internal/integrations/whisper"
	"voicechat/internal/repository"
	"voicechat/internal/usecase"
)

const (
	backendFile   = "file"
	backendBolt   = "bolt"
	backendDynamo = "dynamodb"
)

type config struct {
	ListenAddr string

	LLMAPIKey      string
	LLMAPIKeyParam string
	LLMBaseURL     string
	LLMModel       string
	LLMMaxTokens   int
	SystemPrompt   string

	WhisperURL      string
	WhisperModel    string
	WhisperLanguage string

	HistoryBackend     string
	HistoryFile        string
	HistoryBoltFile    string
	HistoryTable       string
	MaxHistoryMessages int
	MaxMessageLength   int
	MaxAudioBytes      int

	LogLevel  slog.Level
	LogFormat string
}

// loadConfig reads every setting from getenv. It never exits; see validate.
func loadConfig(getenv func(string) string) config {
	return config{
		ListenAddr: envString(getenv, "LISTEN_ADDR", "0.0.0.0:5000"),

		LLMAPIKey:      firstEnv(getenv, "LLM_API_KEY", "ANTHROPIC_API_KEY"),
		LLMAPIKeyParam: strings.TrimSpace(getenv("LLM_API_KEY_PARAM")),
		LLMBaseURL:     envString(getenv, "LLM_BASE_URL", llm.DefaultBaseURL),
		LLMModel:       orDefault(firstEnv(getenv, "LLM_MODEL", "CLAUDE_MODEL"), llm.DefaultModel),
		LLMMaxTokens:   envInt(getenv, "LLM_MAX_TOKENS", llm.DefaultMaxTokens),
		SystemPrompt:   envString(getenv, "SYSTEM_PROMPT", usecase.DefaultSystemPrompt),

		WhisperURL:      envString(getenv, "WHISPER_URL", whisper.DefaultBaseURL),
		WhisperModel:    envString(getenv, "WHISPER_MODEL", whisper.DefaultModel),
		WhisperLanguage: strings.TrimSpace(getenv("WHISPER_LANGUAGE")),

		HistoryBackend:     strings.ToLower(envString(getenv, "HISTORY_BACKEND", backendFile)),
		HistoryFile:        envString(getenv, "HISTORY_FILE", "conversation_history.json"),
		HistoryBoltFile:    envString(getenv, "HISTORY_BOLT_FILE", "conversation_history.bolt"),
		HistoryTable:       strings.TrimSpace(getenv("HISTORY_TABLE")),
		MaxHistoryMessages: envInt(getenv, "MAX_HISTORY_MESSAGES", repository.DefaultMaxMessages),
		MaxMessageLength:   envInt(getenv, "MAX_MESSAGE_LENGTH", 4000),
		MaxAudioBytes:      envInt(getenv, "MAX_AUDIO_BYTES", 25<<20),

		LogLevel:  parseLevel(getenv("LOG_LEVEL")),
		LogFormat: logFormat(getenv),
	}
}

// validate reports the first setting that makes startup impossible.
func (c config) validate() (key string, ok bool) {
	if c.MaxHistoryMessages < repository.MinMaxMessages {
		return "MAX_HISTORY_MESSAGES", false
	}
	switch c.HistoryBackend {
	case backendFile, backendBolt:
	case backendDynamo:
		if c.HistoryTable == "" {
			return "HISTORY_TABLE", false
		}
	default:
		return "HISTORY_BACKEND", false
	}
	return "", true
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(getenv func(string) string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func envInt(getenv func(string) string, key string, def int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", v)
		return def
	}
	return n
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logFormat(getenv func(string) string) string {
	return strings.ToLower(envString(getenv, "LOG_FORMAT", "text"))
}

// setupLogging installs the default logger from LOG_LEVEL and LOG_FORMAT.
// It runs before loadConfig so that configuration warnings go through it.
func setupLogging(w io.Writer, getenv func(string) string) {
	slog.SetDefault(newLogger(w, parseLevel(getenv("LOG_LEVEL")), logFormat(getenv)))
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
