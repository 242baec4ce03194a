// Package app wires the store, queue engine and messaging services shared by the API and cron binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/AzizBrinis/invoice-app-sub004/internal/alert"
	"github.com/AzizBrinis/invoice-app-sub004/internal/background"
	"github.com/AzizBrinis/invoice-app-sub004/internal/config"
	"github.com/AzizBrinis/invoice-app-sub004/internal/credentials"
	"github.com/AzizBrinis/invoice-app-sub004/internal/cron"
	"github.com/AzizBrinis/invoice-app-sub004/internal/docmail"
	"github.com/AzizBrinis/invoice-app-sub004/internal/documents"
	"github.com/AzizBrinis/invoice-app-sub004/internal/email"
	"github.com/AzizBrinis/invoice-app-sub004/internal/mailbox"
	"github.com/AzizBrinis/invoice-app-sub004/internal/queue"
	"github.com/AzizBrinis/invoice-app-sub004/internal/ratelimit"
	"github.com/AzizBrinis/invoice-app-sub004/internal/scheduled"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
)

// App holds the wired services.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Store        store.Store
	Engine       *queue.Engine
	Scheduled    *scheduled.Service
	Producer     *docmail.Producer
	Orchestrator *cron.Orchestrator
	Runner       *background.Runner
	// Limiter is nil when no Redis address is configured.
	Limiter *ratelimit.TokenBucket

	handlers map[string]queue.Handler
	redis    *redis.Client
}

// New opens the store, applies migrations and wires every service.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if cfg.CredentialsKey == "" {
		return nil, errors.New("MESSAGING_CREDENTIALS_KEY is required")
	}
	cipher, err := credentials.NewCipher(cfg.CredentialsKey)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.VacationLocation()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Store: st, Runner: background.NewRunner(logger)}

	var engineOpts []queue.Option
	if webhook := alert.NewWebhook(cfg.AlertWebhookURL, cfg.AlertTimeout, logger); webhook != nil {
		engineOpts = append(engineOpts, queue.WithAlerter(webhook))
	}
	a.Engine = queue.NewEngine(st, logger, engineOpts...)

	provider := credentials.NewStoreProvider(st, cipher)
	sender := email.SMTPSender{}
	sendLimit := rate.Inf
	if cfg.SendRatePerSecond > 0 {
		sendLimit = rate.Limit(cfg.SendRatePerSecond)
	}
	dispatcher := scheduled.NewDispatcher(st, provider, sender, rate.NewLimiter(sendLimit, 1), logger)
	sweeper := mailbox.NewHTTPSweeper(cfg.InboxSweepURL, cfg.InboxSweepToken, cfg.InboxSweepTimeout)

	var docs documents.Source
	s3src, err := documents.NewS3SourceFromConfig(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	if s3src != nil {
		docs = s3src
	}
	docHandler := docmail.NewHandler(st, provider, sender, docs, logger)

	a.handlers = cron.Handlers(dispatcher, sweeper, logger)
	for jobType, h := range docHandler.Handlers() {
		a.handlers[jobType] = h
	}

	flusher := docmail.NewFlusher(a.Engine, a.handlers, a.Runner, cfg.FlushBatchSize, logger)
	a.Producer = docmail.NewProducer(a.Engine, st, flusher, logger)
	a.Scheduled = scheduled.NewService(st, logger)
	a.Orchestrator = cron.NewOrchestrator(a.Engine, st, a.handlers, cron.Options{
		BatchSize: cfg.CronBatchSize,
		Location:  loc,
		Logger:    logger,
	})

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.Limiter = ratelimit.NewTokenBucket(a.redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	return a, nil
}

// Handlers returns every registered job handler keyed by job type.
func (a *App) Handlers() map[string]queue.Handler {
	return a.handlers
}

// Close waits for background drains until ctx expires, then releases connections.
func (a *App) Close(ctx context.Context) error {
	err := a.Runner.Shutdown(ctx)
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.Store.Close()
	return err
}
