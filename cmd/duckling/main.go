package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckling/duckling/internal/api"
	"github.com/duckling/duckling/internal/config"
	"github.com/duckling/duckling/internal/observability"
	"github.com/duckling/duckling/internal/profile"
	profilepostgres "github.com/duckling/duckling/internal/profile/postgres"
	duckdbengine "github.com/duckling/duckling/internal/query/duckdb"
	"github.com/duckling/duckling/internal/service"
	s3store "github.com/duckling/duckling/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("duckling")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	writer, logCloser := observability.LogWriter(cfg, os.Stdout)
	defer func() { _ = logCloser.Close() }()
	logger := observability.NewLogger(cfg, writer)

	if err := run(cfg, logger); err != nil {
		logger.Error("duckling stopped", slog.Any("error", err))
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	engine := duckdbengine.NewEngine()
	blob, closeBlob, err := openBlob(startCtx, cfg)
	if err != nil {
		return err
	}
	defer closeBlob()

	store := profile.NewDocumentStore(blob, logger.With(slog.String("component", "profile_store")))
	store.Seeded = service.SeedDefaultDatabase(service.NewEngineFiles(engine), logger)

	svc, err := service.New(service.Options{Store: store, Engine: engine, Logger: logger})
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	// Load once so a fresh deployment writes its default document before serving.
	if _, err := svc.ListProfiles(startCtx); err != nil {
		return fmt.Errorf("load connection profiles: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, api.Dependencies{Logger: logger, Console: svc}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address), slog.String("store", string(cfg.Store.Backend)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	default:
		return nil
	}
}

func openBlob(ctx context.Context, cfg config.Config) (profile.Blob, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		db, err := profilepostgres.Open(ctx, profilepostgres.DBConfig{
			DSN:             cfg.Store.Postgres.DSN,
			MaxOpenConns:    cfg.Store.Postgres.MaxOpenConns,
			ConnMaxLifetime: cfg.Store.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() { _ = db.Close() }
		blob := profilepostgres.NewBlob(db, cfg.Service.Name)
		if err := blob.EnsureSchema(ctx); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("prepare config store schema: %w", err)
		}
		return blob, closeDB, nil
	case config.StoreBackendS3:
		objects, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.Store.S3.Endpoint,
			Region:           cfg.Store.S3.Region,
			Bucket:           cfg.Store.S3.Bucket,
			AccessKeyID:      cfg.Store.S3.AccessKeyID,
			SecretAccessKey:  cfg.Store.S3.SecretAccessKey,
			UseSSL:           cfg.Store.S3.UseSSL,
			Prefix:           cfg.Store.S3.Prefix,
			AutoCreateBucket: cfg.Store.S3.AutoCreateBucket,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize object store: %w", err)
		}
		return &profile.ObjectBlob{Store: objects, Key: cfg.Store.S3.Key}, func() {}, nil
	default:
		return profile.FileBlob{Path: cfg.Store.File}, func() {}, nil
	}
}
