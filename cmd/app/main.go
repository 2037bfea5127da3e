package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-ingress/internal/audio"
	"wa-ingress/internal/cache"
	"wa-ingress/internal/config"
	"wa-ingress/internal/engine"
	"wa-ingress/internal/history"
	"wa-ingress/internal/httpserver"
	"wa-ingress/internal/logging"
	"wa-ingress/internal/metrics"
	"wa-ingress/internal/pipeline"
	"wa-ingress/internal/provider"
	"wa-ingress/internal/reply"
	"wa-ingress/internal/secrets"
	"wa-ingress/internal/turn"
	"wa-ingress/internal/webhook"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting wa-ingress", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	historyReader, err := history.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init history reader: %w", err)
	}
	if historyReader != nil {
		defer historyReader.Close()
	} else {
		logger.Warn("history database not configured, engine payloads go anonymous")
	}

	resolver := secrets.New(secrets.Config{
		BaseURL: cfg.AdminBaseURL,
		Token:   cfg.AdminToken,
	}, logger)

	providerClient := provider.New(provider.Config{
		BaseURL: cfg.ProviderBaseURL,
		Timeout: cfg.ProviderTimeout,
	}, resolver, logger, metricRegistry)

	engineClient := engine.New(engine.Config{
		BaseURL:        cfg.EngineBaseURL,
		Token:          cfg.EngineToken,
		Attempts:       cfg.EngineAttempts,
		ReadTimeout:    cfg.EngineReadTimeout,
		ConnectTimeout: cfg.EngineConnectTimeout,
	}, logger, metricRegistry)

	transcriber := audio.New(audio.Config{
		ASRBaseURL: cfg.ASRBaseURL,
		Timeout:    cfg.ASRTimeout,
	}, logger, metricRegistry)

	sequencer := reply.New(reply.Config{
		BubbleDelay: cfg.BubbleDelay,
		SplitLimit:  cfg.TextSafeSplit,
	}, providerClient, logger, metricRegistry)

	buffer := turn.NewBuffer(redisClient, cfg.DebounceWindow)
	lease := turn.NewLease(redisClient, cfg.ActiveLockTTL)

	var historyDep turn.HistoryReader
	if historyReader != nil {
		historyDep = historyReader
	}
	coordinator := turn.NewCoordinator(ctx, turn.Config{
		Provider:     cfg.ProviderName,
		HistoryDepth: cfg.HistoryReadDepth,
	}, buffer, lease, engineClient, sequencer, historyDep, logger, metricRegistry)

	processor := pipeline.New(cfg.ProviderName, coordinator, engineClient, transcriber, logger, metricRegistry)
	deduper := webhook.NewDeduper(redisClient, cfg.DedupTTL, logger)
	webhookHandler := webhook.NewHandler(webhook.Config{
		Provider: cfg.ProviderName,
		Skew:     cfg.SignatureSkew,
	}, resolver, deduper, processor, logger, metricRegistry)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		Webhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Provider: providerClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator tasks did not drain in time", "error", err)
	}

	return nil
}
