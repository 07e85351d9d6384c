package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/example/navi/internal/api"
	"github.com/example/navi/internal/app"
	"github.com/example/navi/internal/config"
	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/metrics"
)

func main() {
	_ = config.LoadDotEnv()
	cfg := config.Load()
	logger := logging.New("navi")
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsStdout {
		shutdown, err := metrics.InstallStdout()
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("metrics shutdown", zap.Error(err))
			}
		}()
	}

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &api.Server{
		Orchestrator: stack.Orchestrator,
		Index:        stack.Engine,
		Usage:        stack.Router,
		Heartbeat:    cfg.HeartbeatInterval,
		Logger:       logger.Named("api"),
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(srv.Routes(), "navi-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err = <-serverErr:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Streams end once their tasks are cancelled, so stop tasks first.
	if cerr := stack.Close(sctx); cerr != nil {
		logger.Warn("stopping tasks", zap.Error(cerr))
	}
	if serr := httpServer.Shutdown(sctx); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}
