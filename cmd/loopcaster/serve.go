package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/cache"
	"github.com/voyagen/loopcaster/internal/config"
	"github.com/voyagen/loopcaster/internal/events"
	"github.com/voyagen/loopcaster/internal/fetcher"
	"github.com/voyagen/loopcaster/internal/logger"
	"github.com/voyagen/loopcaster/internal/relay"
	"github.com/voyagen/loopcaster/internal/schedule"
	"github.com/voyagen/loopcaster/internal/server"
	"github.com/voyagen/loopcaster/internal/service"
	"github.com/voyagen/loopcaster/internal/store"
)

const (
	lockFileName = ".loopcaster.lock"
	// shutdownGrace bounds how long shutdown waits for in-flight imports
	// before cancelling them.
	shutdownGrace = 30 * time.Second
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, relay supervisor and schedule reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("storage dir: %w", err)
	}
	lockPath := filepath.Join(cfg.StorageDir, lockFileName)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another loopcaster instance is using %s", cfg.StorageDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("release lock", zap.Error(err))
		}
	}()

	st, rds, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if rds != nil {
		defer func() { _ = rds.Close() }()
	}

	// No relay survives a restart, so persisted is_active flags are stale.
	n, err := st.ResetActive(ctx)
	if err != nil {
		return fmt.Errorf("reset active: %w", err)
	}
	if n > 0 {
		log.Info("cleared stale active flags", zap.Int64("channels", n))
	}

	hub := events.NewHub()
	var pub events.Publisher = hub
	if rds != nil {
		pub = events.Multi{hub, cache.NewEventPublisher(rds, log)}
	}

	f, err := fetcher.New(cfg, log)
	if err != nil {
		return fmt.Errorf("fetcher: %w", err)
	}
	sup := relay.NewSupervisor(st, relay.Options{
		FFmpegPath: cfg.FFmpegPath,
		Profile:    cfg.Relay,
		Publisher:  pub,
		Logger:     log,
	})
	channels := service.NewChannels(service.Deps{
		Store:     st,
		Relay:     sup,
		Fetcher:   f,
		Publisher: pub,
		Logger:    log,
	})
	rec := schedule.New(st, sup, log, schedule.WithInterval(cfg.ScheduleInterval))

	// The supervisor outlives ctx so StopAll can run after the reconciler
	// has stopped.
	supCtx, stopSup := context.WithCancel(context.WithoutCancel(ctx))
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(supCtx)
	}()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		if err := rec.Run(runCtx); err != nil {
			log.Error("reconciler", zap.Error(err))
		}
	}()

	log.Info("loopcaster started",
		zap.String("port", cfg.ServerPort),
		zap.String("storage", cfg.StorageDir),
		zap.String("lock", lockPath))
	srvErr := server.New(channels, hub, cfg, log).ListenAndServe(runCtx)

	stopRun()
	<-recDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	sup.StopAll(shutdownCtx)
	if err := channels.Shutdown(shutdownCtx); err != nil {
		log.Warn("cancelled unfinished imports", zap.Error(err))
	}
	stopSup()
	<-supDone
	log.Info("loopcaster stopped")
	return srvErr
}

// openStore runs Postgres preflight, opens the configured backend and wraps
// it with the Redis cache when REDIS_URL is set.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, *cache.Redis, error) {
	backend, err := store.BackendFor(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if backend == store.BackendPostgres {
		if err := store.EnsureReachable(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		if err := store.RunMigrations(cfg.DatabaseURL, migrationsSource()); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	log.Info("store opened", zap.String("backend", backend))

	if cfg.RedisURL == "" {
		log.Info("redis disabled (REDIS_URL not set)")
		return st, nil, nil
	}
	rds, err := cache.New(cfg.RedisURL)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	if err := rds.Ping(ctx); err != nil {
		_ = rds.Close()
		st.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis connected (caching and event fan-out enabled)")
	return store.NewCachedStore(st, rds, log), rds, nil
}

// migrationsSource locates the migrations directory next to the working
// directory or the executable.
func migrationsSource() string {
	abs, err := filepath.Abs("migrations")
	if err != nil {
		abs = "migrations"
	}
	if _, err := os.Stat(abs); err != nil {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), "migrations")
		}
	}
	return "file://" + abs
}
