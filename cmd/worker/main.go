package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	eventadapter "github.com/diogoX451/skyrfp/internal/adapters/events"
	"github.com/diogoX451/skyrfp/internal/adapters/store"
	"github.com/diogoX451/skyrfp/internal/agents"
	"github.com/diogoX451/skyrfp/internal/app"
	"github.com/diogoX451/skyrfp/internal/config"
	natsevents "github.com/diogoX451/skyrfp/internal/events/nats"
	"github.com/diogoX451/skyrfp/internal/logging"
	"github.com/diogoX451/skyrfp/internal/metrics"
)

func main() {
	// Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("worker_id", cfg.App.WorkerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Infra
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	natsBus, err := natsevents.New(natsevents.Config{
		URL:           cfg.NATS.URL,
		Name:          "skyrfp-worker-" + cfg.App.WorkerID,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: 2 * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer natsBus.Close()

	if err := natsBus.SetupStreams(cfg.NATS.Streams.CommandSubject, cfg.NATS.Streams.MessageSubject); err != nil {
		return err
	}

	// Core
	m := metrics.New()
	stack, err := app.Build(ctx, cfg, st, agents.Deps{Log: logger}, m, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stack.Shutdown(shutdownCtx); err != nil {
			logger.Warn("agent shutdown", zap.Error(err))
		}
	}()

	// Adapters (conectam infra com core)
	forwarder := eventadapter.NewForwarder(natsBus, cfg.NATS.Streams.MessageSubject, logger)
	forwarder.Attach(stack.Bus)
	defer forwarder.Detach()

	sub, err := eventadapter.SubscribeCommands(natsBus, cfg.NATS.Streams.CommandSubject, "skyrfp-workers", stack.Dispatcher.Dispatch, logger)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.App.MetricsPort,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("worker started",
		zap.String("store", cfg.Store.Driver),
		zap.Int("workers", cfg.Engine.Workers),
		zap.String("metrics_addr", metricsSrv.Addr),
	)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return stack.Engine.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return p.Wait()
}
