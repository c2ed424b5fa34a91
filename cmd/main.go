package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"voicechat/handler"
	"voicechat/internal/integrations/llm"
	"voicechat/internal/integrations/paramstore"
	"voicechat/internal/integrations/whisper"
	"voicechat/internal/repository"
	"voicechat/internal/usecase"
	"voicechat/web"
)

const shutdownTimeout = 10 * time.Second

// historyStore is what the server needs from a history backend.
type historyStore interface {
	usecase.HistoryStore
	Close() error
}

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "listen address (overrides LISTEN_ADDR)")
	flag.Parse()

	// ---- Configuration (read only here) ----
	setupLogging(os.Stderr, os.Getenv)
	cfg := loadConfig(os.Getenv)
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if key, ok := cfg.validate(); !ok {
		slog.Error("required environment variable is missing or invalid", "key", key)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	// ---- AWS SDK config, only when a component needs it ----
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	// ---- Clients ----
	keys, err := keySource(cfg, loadAWS)
	if err != nil {
		return err
	}
	llmClient, err := llm.NewClient(keys,
		llm.WithBaseURL(cfg.LLMBaseURL),
		llm.WithMaxTokens(cfg.LLMMaxTokens),
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}

	whisperClient, err := whisper.New(cfg.WhisperModel,
		whisper.WithBaseURL(cfg.WhisperURL),
		whisper.WithLanguage(cfg.WhisperLanguage),
	)
	if err != nil {
		return fmt.Errorf("create whisper client: %w", err)
	}

	store, err := openHistory(cfg, loadAWS)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to flush conversation history", "err", err)
			return
		}
		slog.Info("conversation history flushed")
	}()

	// ---- Use cases ----
	chatService, err := usecase.NewChatService(llmClient, store, usecase.ChatConfig{
		Model:         cfg.LLMModel,
		SystemPrompt:  cfg.SystemPrompt,
		MaxMessageLen: cfg.MaxMessageLength,
	})
	if err != nil {
		return fmt.Errorf("create chat service: %w", err)
	}
	transcribeService, err := usecase.NewTranscribeService(whisperClient, cfg.MaxAudioBytes)
	if err != nil {
		return fmt.Errorf("create transcribe service: %w", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(chatService, transcribeService, web.Assets())
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		slog.Info("starting lambda handler", "llm_model", cfg.LLMModel, "history_backend", cfg.HistoryBackend)
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
		return nil
	}
	return serve(ctx, cfg, h)
}

func serve(ctx context.Context, cfg config, h http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("voice chat server listening",
			"addr", cfg.ListenAddr,
			"whisper_model", cfg.WhisperModel,
			"llm_model", cfg.LLMModel,
			"history_backend", cfg.HistoryBackend,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func keySource(cfg config, loadAWS func() (aws.Config, error)) (llm.KeySource, error) {
	if cfg.LLMAPIKeyParam != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("create SSM client: %w", err)
		}
		keys, err := paramstore.NewKeySource(ssmClient, cfg.LLMAPIKeyParam)
		if err != nil {
			return nil, fmt.Errorf("create SSM key source: %w", err)
		}
		return keys, nil
	}
	if cfg.LLMAPIKey == "" {
		slog.Warn("LLM_API_KEY (or ANTHROPIC_API_KEY) is not set; chat requests will fail")
	}
	return llm.StaticKey(cfg.LLMAPIKey), nil
}

func openHistory(cfg config, loadAWS func() (aws.Config, error)) (historyStore, error) {
	switch cfg.HistoryBackend {
	case backendBolt:
		s, err := repository.NewBoltStore(cfg.HistoryBoltFile, cfg.MaxHistoryMessages)
		if err != nil {
			return nil, fmt.Errorf("open bolt history: %w", err)
		}
		return s, nil
	case backendDynamo:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		s, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.HistoryTable, cfg.MaxHistoryMessages)
		if err != nil {
			return nil, fmt.Errorf("create dynamodb history: %w", err)
		}
		return s, nil
	default:
		s, err := repository.NewFileStore(cfg.HistoryFile, cfg.MaxHistoryMessages)
		if err != nil {
			return nil, fmt.Errorf("open history file: %w", err)
		}
		return s, nil
	}
}
