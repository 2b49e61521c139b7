package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/adapters/events"
	"github.com/diogoX451/skyrfp/internal/adapters/store"
	"github.com/diogoX451/skyrfp/internal/api"
	"github.com/diogoX451/skyrfp/internal/config"
	natsevents "github.com/diogoX451/skyrfp/internal/events/nats"
	"github.com/diogoX451/skyrfp/internal/logging"
	"github.com/diogoX451/skyrfp/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
	natsBus, err := natsevents.New(natsevents.Config{
		URL:           cfg.NATS.URL,
		Name:          "skyrfp-api",
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: 2 * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsBus.Close()

	if err := natsBus.SetupStreams(cfg.NATS.Streams.CommandSubject, cfg.NATS.Streams.MessageSubject); err != nil {
		logger.Fatal("failed to setup streams", zap.Error(err))
	}

	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	commands := events.NewCommandPublisher(natsBus, cfg.NATS.Streams.CommandSubject)
	server := api.NewServer(commands, st, metrics.New().Handler(), logger)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info("server is shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("could not gracefully shutdown the server", zap.Error(err))
		}
		close(done)
	}()

	logger.Info("server is ready to handle requests", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("could not listen", zap.String("addr", srv.Addr), zap.Error(err))
	}

	<-done
	logger.Info("server stopped")
}
