// Package app wires the tracker components together from an env.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crimelink/internal/auth"
	"crimelink/internal/capture"
	"crimelink/internal/credstore"
	"crimelink/internal/env"
	"crimelink/internal/platform"
	"crimelink/internal/sink/pgsink"
	"crimelink/internal/sink/s3sink"
	"crimelink/internal/store"
	"crimelink/internal/uploader"
	"crimelink/pkg/apiclient"
)

// App holds the long-lived components of one process.
type App struct {
	Config     env.Config
	Store      *store.Store
	Platform   *platform.Local
	Session    *auth.Session
	Reconciler *uploader.Reconciler
	Tracker    *capture.Tracker

	closers []func() error
}

// New opens the queue, the task registry, the credential store and the
// configured sink, and registers the location task callback.
func New(ctx context.Context, cfg env.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Store, err = store.Open(ctx, cfg.DBPath, store.WithLogger(logger.With("component", "store")))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	a.Platform, err = platform.NewLocal(ctx, a.Store.DB(), logger.With("component", "platform"))
	if err != nil {
		return nil, err
	}

	creds, err := credstore.Open(cfg.CredentialStore, cfg.CredentialPath, cfg.CredentialPassphrase)
	if err != nil {
		return nil, err
	}
	a.Session = auth.NewSession(creds)

	sink, err := a.openSink(ctx, logger.With("component", "sink", "sink", string(cfg.Sink)))
	if err != nil {
		return nil, err
	}

	a.Reconciler = uploader.NewReconciler(a.Store, sink,
		uploader.WithBatchSize(cfg.BatchSize),
		uploader.WithLogger(logger.With("component", "uploader")),
	)

	permissions := platform.StaticPermissions{Foreground: cfg.Foreground, Background: cfg.Background}
	a.Tracker = capture.New(permissions, a.Platform, a.Store, a.Reconciler,
		capture.WithAccuracyThreshold(cfg.AccuracyThreshold),
		capture.WithLogger(logger.With("component", "capture")),
	)
	a.Tracker.Register()

	return a, nil
}

func (a *App) openSink(ctx context.Context, logger *slog.Logger) (uploader.Sink, error) {
	cfg := a.Config
	switch cfg.Sink {
	case env.SinkHTTP:
		return apiclient.NewClient(cfg.APIBaseURL, a.Session, apiclient.WithTimeout(cfg.APITimeout)), nil

	case env.SinkPostgres:
		pool, err := pgsink.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		sink := pgsink.New(pool, logger)
		if err := sink.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return sink, nil

	case env.SinkS3:
		client, err := s3sink.NewClient(s3sink.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		sink := s3sink.New(client, cfg.MinioBucket, logger)
		if err := sink.EnsureBucket(ctx, ""); err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("unknown upload sink %q", cfg.Sink)
}

// Close releases everything New opened, most recent first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
