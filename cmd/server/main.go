package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coursechat/internal/completion"
	"coursechat/internal/config"
	"coursechat/internal/crypto"
	"coursechat/internal/handler"
	"coursechat/internal/metrics"
	"coursechat/internal/provider"
	"coursechat/internal/queue"
	"coursechat/internal/quota"
	"coursechat/internal/render"
	"coursechat/internal/server"
	"coursechat/internal/settings"
	"coursechat/internal/storage"
	"coursechat/internal/threads"
	"coursechat/internal/tracing"
	"coursechat/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("provider", cfg.Provider.BaseURL).
		Bool("restrict_usage", cfg.Auth.RestrictUsage).
		Bool("charge_partial_failures", cfg.Quota.ChargeOnPartialFailure).
		Msg("starting coursechat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	m := metrics.Global()
	backend := settings.NewStoreBackend(store, keyring)
	resolver := settings.NewResolver(backend, backend)
	client := provider.New(provider.Config{
		BaseURL:   cfg.Provider.BaseURL,
		Keys:      resolver,
		Timeout:   cfg.Provider.Timeout,
		UserAgent: cfg.Provider.UserAgent,
		Logger:    log.Logger.With().Str("component", "provider").Logger(),
		Metrics:   m,
	})
	gate := quota.NewGate(store, resolver)
	registry := completion.NewRegistry(resolver,
		completion.NewChat(completion.ChatConfig{
			Client:  client,
			Quota:   gate,
			Logger:  log.Logger.With().Str("component", "chat").Logger(),
			Metrics: m,
		}),
		completion.NewAssistant(completion.AssistantConfig{
			Client:          client,
			Quota:           gate,
			MessageInterval: cfg.Poll.MessageInterval,
			MessageTimeout:  cfg.Poll.MessageTimeout,
			RunInterval:     cfg.Poll.RunInterval,
			RunTimeout:      cfg.Poll.RunTimeout,
			Logger:          log.Logger.With().Str("component", "assistant").Logger(),
			Metrics:         m,
		}),
	)

	logQueue := queue.NewStreamQueue(rdb, cfg.Redis.LogStream, cfg.Redis.LogGroup, cfg.Worker.ConsumerName, cfg.Redis.StreamBlock)
	if err := logQueue.EnsureGroup(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create log stream group")
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(store, rdb),
		Chat: handler.NewChatHandler(handler.ChatConfig{
			Settings:               resolver,
			Registry:               registry,
			Provider:               client,
			Quota:                  gate,
			Store:                  store,
			RateLimiter:            queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			LogQueue:               logQueue,
			Threads:                threads.NewStore(rdb, cfg.Redis.ThreadTTL),
			Markdown:               render.NewMarkdown(),
			ChargeOnPartialFailure: cfg.Quota.ChargeOnPartialFailure,
			MaxHistoryTurns:        cfg.Quota.MaxHistoryTurns,
			RequireTerms:           cfg.Auth.RequireTerms,
			Logger:                 log.Logger,
			Metrics:                m,
		}),
		Report: handler.NewReportHandler(store, log.Logger),
		Admin: handler.NewAdminHandler(handler.AdminConfig{
			Store:    store,
			Keyring:  keyring,
			Settings: resolver,
			Provider: client,
			Logger:   log.Logger,
		}),
	}

	errCh := make(chan error, 2)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           server.NewRouter(cfg, handlers, log.Logger, m),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	w := worker.New(worker.Config{
		Store:           store,
		Queue:           logQueue,
		Dedupe:          queue.NewLogDeduplicator(rdb, cfg.Redis.DedupeTTL),
		MaxJobRetries:   cfg.Worker.MaxRetries,
		ReclaimInterval: cfg.Worker.ReclaimInterval,
		ReclaimIdle:     cfg.Worker.ReclaimIdle,
		Logger:          log.Logger.With().Str("component", "worker").Logger(),
		Metrics:         m,
	})
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("log worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush traces")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	var out io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
