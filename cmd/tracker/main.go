// tracker is the long-running on-duty location tracker. It owns the pending
// location queue, receives fixes from gateways over HTTP or Kafka, and uploads
// them to the configured sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"crimelink/internal/app"
	"crimelink/internal/env"
	"crimelink/internal/feed"
	"crimelink/internal/handlers"
	"crimelink/pkg/graceful"
	"crimelink/pkg/kafkaclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listenAddr string
	var startTracking bool

	flagSet := pflag.NewFlagSet("tracker", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddr, "listen", ":8090", "address for the fix and status HTTP API")
	flagSet.BoolVar(&startTracking, "start", false, "start on-duty tracking at launch")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	env.LoadEnv()
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := graceful.Context(context.Background(), logger)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("closing", "error", err)
		}
	}()

	// Records left behind by an earlier run go out before anything new.
	if err := a.Reconciler.Flush(ctx); err != nil {
		logger.Warn("launch flush failed, records stay queued", "error", err)
	}

	if startTracking {
		if err := a.Tracker.Start(ctx); err != nil {
			return fmt.Errorf("starting tracking: %w", err)
		}
	}

	// Stays nil without a feed, so the select below never picks it.
	var feedErr chan error
	if cfg.KafkaEnabled() {
		consumer := kafkaclient.NewConsumer(kafkaclient.Config{
			Broker:  cfg.KafkaBroker,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, logger.With("component", "kafka"))
		consumer.Start(ctx)

		feedDone := make(chan struct{})
		feedErr = make(chan error, 1)
		go func() {
			defer close(feedDone)
			stats, err := feed.New(consumer, a.Platform, logger.With("component", "feed")).Run(ctx)
			logger.Info("fix feed finished", "delivered", stats.Delivered, "malformed", stats.Malformed, "failed", stats.Failed, "error", err)
			if err != nil && ctx.Err() == nil {
				feedErr <- err
			}
		}()
		defer func() {
			consumer.Stop()
			<-feedDone
		}()
		logger.Info("consuming fixes from kafka", "broker", cfg.KafkaBroker, "topic", cfg.KafkaTopic)
	}

	mux := http.NewServeMux()
	handlers.NewTrackerHandler(a.Tracker, a.Store, a.Reconciler, a.Platform, logger.With("component", "http")).Routes(mux)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-feedErr:
		runErr = fmt.Errorf("fix feed: %w", err)
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("tracker stopped")
	return runErr
}
