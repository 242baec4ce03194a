package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/api"
	"github.com/AzizBrinis/invoice-app-sub004/internal/app"
	"github.com/AzizBrinis/invoice-app-sub004/internal/config"
	"github.com/AzizBrinis/invoice-app-sub004/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("wire services", zap.Error(err))
	}

	var limiter api.Limiter
	if a.Limiter != nil {
		limiter = a.Limiter
	}
	server := api.New(api.Deps{
		Jobs:       a.Engine,
		EmailLogs:  a.Store,
		Scheduled:  a.Scheduled,
		Producer:   a.Producer,
		Cron:       a.Orchestrator,
		Limiter:    limiter,
		CronSecret: cfg.CronSecret,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	// in-flight document email drains finish before the store closes
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("background drains interrupted", zap.Error(err))
	}
}
