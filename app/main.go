package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/rss-frames/app/api"
	"github.com/lysyi3m/rss-frames/app/cache"
	"github.com/lysyi3m/rss-frames/app/cfg"
	"github.com/lysyi3m/rss-frames/app/database"
	"github.com/lysyi3m/rss-frames/app/feed"
	"github.com/lysyi3m/rss-frames/app/tasks"
)

func main() {
	if err := run(); err != nil {
		slog.Error("RSS Frames stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	appCfg, err := cfg.Load()
	if err != nil {
		return err
	}
	if appCfg == nil {
		// Help was shown
		return nil
	}

	setupLogging(appCfg.Debug)
	slog.Info("Starting RSS Frames", "version", appCfg.Version)

	if err := os.MkdirAll(filepath.Dir(appCfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(appCfg.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("Database ready", "path", appCfg.DBPath)

	repo := database.NewSubscriptionRepository(db)

	configCache := feed.NewConfigCache(appCfg.FeedsDir)
	if err := configCache.Run(); err != nil {
		return fmt.Errorf("failed to load subscription seeds: %w", err)
	}
	syncSeeds(configCache, repo)

	fetcher := feed.NewFetcher(&http.Client{}, appCfg.UserAgent, appCfg.FetchTimeout)

	registry := tasks.NewRegistry(context.Background(), tasks.RegistryOptions{
		StorageRoot: appCfg.StorageRoot,
		Fetcher:     tasks.NewFeedFetcher(fetcher),
		Cache: cache.Options{
			UserAgent: appCfg.UserAgent,
			Timeout:   appCfg.FetchTimeout,
			MaxBytes:  appCfg.MaxImageSize,
		},
		Worker: tasks.WorkerOptions{
			RescanInterval: appCfg.RescanInterval,
			MaxDownloads:   appCfg.MaxDownloads,
			StopTimeout:    appCfg.StopTimeout,
			OnFetched:      recordFetch(repo),
		},
	})
	slog.Info("Image cache configured",
		"root", appCfg.StorageRoot,
		"max_image_size", humanize.IBytes(uint64(appCfg.MaxImageSize)),
		"rescan_interval", appCfg.RescanInterval,
		"max_downloads", appCfg.MaxDownloads)

	rotator, err := tasks.NewRotator(registry)
	if err != nil {
		return err
	}
	rotator.Start()

	if err := startSubscriptions(repo, registry, rotator); err != nil {
		return err
	}

	fatalCh := make(chan error, 1)
	onFatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	if !appCfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(repo, registry, rotator, onFatal)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case runErr = <-serverErrCh:
	case runErr = <-fatalCh:
	}

	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := rotator.Shutdown(); err != nil {
		slog.Error("Rotator shutdown error", "error", err)
	}

	if err := registry.StopAll(); err != nil {
		// A worker that would not stop may still be writing to its directory.
		return errors.Join(runErr, err)
	}

	slog.Info("RSS Frames shutdown complete")
	return runErr
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// syncSeeds stores every seed file's settings. Playback state already saved
// for a subscription wins over the seed.
func syncSeeds(configCache *feed.ConfigCache, repo database.SubscriptionRepository) {
	created := 0
	for _, sub := range configCache.Subscriptions() {
		if err := sub.Validate(); err != nil {
			slog.Warn("Skipping invalid subscription seed", "subscription", sub.ID, "error", err)
			continue
		}

		isNew, err := repo.SyncSubscription(sub)
		if err != nil {
			slog.Warn("Failed to sync subscription seed", "subscription", sub.ID, "error", err)
			continue
		}
		if isNew {
			created++
		}
	}

	slog.Info("Subscription seeds synced", "seeds", configCache.GetConfigCount(), "created", created)
}

func recordFetch(repo database.SubscriptionRepository) func(string, time.Time, error) {
	return func(subscriptionID string, at time.Time, fetchErr error) {
		lastError := ""
		if fetchErr != nil {
			lastError = fetchErr.Error()
		}

		err := repo.UpdateFetchStatus(subscriptionID, at, lastError)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			slog.Warn("Failed to record fetch status", "subscription", subscriptionID, "error", err)
		}
	}
}

// startSubscriptions starts a worker for every stored subscription and shows
// its first image. A subscription that fails to start is logged and skipped.
func startSubscriptions(repo database.SubscriptionRepository, registry *tasks.Registry, rotator *tasks.Rotator) error {
	subs, err := repo.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, row := range subs {
		sub := row.ToFeed()

		if _, err := registry.Start(sub); err != nil {
			slog.Error("Failed to start subscription", "subscription", sub.ID, "error", err)
			continue
		}

		if err := rotator.Schedule(sub); err != nil {
			slog.Error("Failed to schedule rotation", "subscription", sub.ID, "error", err)
		}

		path, err := rotator.Show(sub.ID)
		switch {
		case errors.Is(err, cache.ErrNoImageAvailable):
			slog.Debug("No image to show yet", "subscription", sub.ID)
		case err != nil:
			slog.Warn("Initial display failed", "subscription", sub.ID, "error", err)
		default:
			slog.Info("Showing image", "subscription", sub.ID, "path", path)
		}
	}

	slog.Info("Subscriptions started", "count", registry.Len())
	return nil
}
