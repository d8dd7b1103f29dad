package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/Martian-dev/mailvault/internal/account"
	"github.com/Martian-dev/mailvault/internal/api"
	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/config"
	"github.com/Martian-dev/mailvault/internal/mail"
	natsjs "github.com/Martian-dev/mailvault/internal/nats"
	"github.com/Martian-dev/mailvault/internal/providers/gmail"
	"github.com/Martian-dev/mailvault/internal/providers/graph"
	"github.com/Martian-dev/mailvault/internal/store"
	syncpkg "github.com/Martian-dev/mailvault/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailvault")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	authService := auth.NewService(st, cfg.JWTSecret)

	var refresher auth.Refresher
	if cfg.MailProvider == "gmail" {
		refresher = auth.NewGoogleRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleScopeList())
	} else {
		refresher = auth.NewGraphRefresher(cfg.GraphClientID, cfg.GraphTenant, cfg.ScopeList())
	}
	tokens := auth.NewTokenManager(st, refresher, cfg.TokenRefreshSkew, logger)
	accounts := account.NewService(st, logger)

	var factory syncpkg.Factory
	if cfg.MailProvider == "gmail" {
		factory = gmail.NewFactory(tokens)
	} else {
		factory = graph.NewFactory(tokens)
	}
	logger.Info("mail provider configured", "provider", cfg.MailProvider)

	manager := syncpkg.NewManager(st, factory, logger, syncpkg.Config{
		PageSize:    cfg.SyncPageSize,
		MaxPages:    cfg.SyncMaxPages,
		RecentDays:  cfg.RecentDays,
		Concurrency: cfg.SyncConcurrency,
	})
	downloader := &mail.Downloader{Store: st, DataDir: cfg.DataDir, Logger: logger}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		dispatcher := &natsjs.Dispatcher{Store: st, Publisher: publisher, Logger: logger}
		go dispatcher.Run(ctx)
		logger.Info("outbox dispatcher started", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, events stay queued in the outbox")
	}

	server := &api.Server{
		Store:      st,
		Auth:       authService,
		Tokens:     tokens,
		Accounts:   accounts,
		Sync:       manager,
		Factory:    factory,
		Downloader: downloader,
		Logger:     logger,
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
