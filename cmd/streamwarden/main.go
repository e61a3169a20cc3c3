package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/voyagen/streamwarden/internal/cache"
	"github.com/voyagen/streamwarden/internal/config"
	"github.com/voyagen/streamwarden/internal/consolidate"
	"github.com/voyagen/streamwarden/internal/fetcher"
	"github.com/voyagen/streamwarden/internal/logger"
	"github.com/voyagen/streamwarden/internal/metrics"
	"github.com/voyagen/streamwarden/internal/probe"
	"github.com/voyagen/streamwarden/internal/server"
	"github.com/voyagen/streamwarden/internal/service"
	"github.com/voyagen/streamwarden/internal/store"
	"github.com/voyagen/streamwarden/internal/validation"
	"github.com/voyagen/streamwarden/internal/worker"
)

const (
	runLockKey = "lock:validation"
	runLockTTL = time.Minute
)

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use env DATABASE_URL")
	ingestFile := flag.String("ingest-file", "", "Ingest a local M3U file and exit")
	ingestName := flag.String("name", "", "Playlist name for -ingest-file (default: file name)")
	validateOnce := flag.Bool("validate-once", false, "Run one validation sweep and exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.SetupDefault(os.Stdout, logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *ingestFile, *ingestName, *validateOnce); err != nil {
		log.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, ingestFile, ingestName string, validateOnce bool) error {
	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err := store.WaitForDatabase(waitCtx, cfg.DatabaseURL, 2*time.Second)
	cancel()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pg.Close()

	var rds *cache.Redis
	var appStore store.Store = pg
	if cfg.RedisURL != "" {
		rds, err = cache.New(cfg.RedisURL, cache.DefaultPrefix)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		appStore = store.NewCachedStore(pg, rds, log)
		log.Info("redis connected (caching, run lock and job queue enabled)")
	} else {
		log.Info("redis disabled (REDIS_URL not set)")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	src := fetcher.New(fetcher.Options{
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.FetchTimeout,
		MaxSize:      cfg.MaxPlaylistSize,
		BlockPrivate: cfg.BlockPrivate,
	})
	prober := probe.New(nil, cfg.UserAgent, cfg.Validation.Timeout)
	cons := consolidate.New(appStore, cfg.Output, log, rec)
	validator := validation.New(appStore, prober, cons, cfg.Validation, log, rec)

	var lock validation.LockFunc
	if rds != nil {
		lock = validation.RedisLock(rds, runLockKey, runLockTTL)
	}
	runner := validation.NewRunner(validator, validation.NewGuard(appStore, lock), log)

	if err := recoverRuns(ctx, appStore, rds, log); err != nil {
		return err
	}

	if ingestFile != "" {
		res, err := service.Ingest(ctx, appStore, src, service.IngestRequest{Name: ingestName, SourceFile: &ingestFile}, log)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		log.Info("ingest complete", slog.Int64("playlist_id", res.PlaylistID), slog.Int("channels", res.Channels))
		return nil
	}
	if validateOnce {
		if _, err := runner.RunAll(ctx); err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		return nil
	}

	schedule, err := validation.ScheduleFromConfig(cfg.Validation)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	scheduler := validation.NewScheduler(func(ctx context.Context) {
		sweep(ctx, runner, appStore, cfg.Validation.LogRetention, log)
	}, schedule, cfg.Validation.OnStart, log)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	var dispatcher worker.Dispatcher
	if rds != nil {
		dispatcher = worker.NewQueue(rds, cache.DefaultQueue)
		w := worker.NewWorker(rds, cache.DefaultQueue, runner, log)
		done := make(chan struct{})
		go func() {
			defer close(done)
			w.Run(ctx)
		}()
		defer func() { <-done }()
	} else {
		async := worker.NewAsync(ctx, runner, log)
		dispatcher = async
		defer async.Wait()
	}

	srv := server.New(cfg.ServerPort, server.Deps{
		Store:      appStore,
		Source:     src,
		Runner:     runner,
		Dispatcher: dispatcher,
		Generator:  cons,
		Scheduler:  scheduler,
		Metrics:    metrics.Handler(reg),
		Ping:       pg.Ping,
	}, log)
	return srv.ListenAndServe(ctx)
}

// sweep is the scheduled job: validate everything, then prune old runs.
func sweep(ctx context.Context, runner *validation.Runner, s store.Store, retention time.Duration, log *slog.Logger) {
	if _, err := runner.RunAll(ctx); err != nil {
		if errors.Is(err, validation.ErrRunInProgress) {
			log.Info("scheduled validation skipped, run already in progress")
			return
		}
		log.Error("scheduled validation failed", slog.String("error", err.Error()))
	}
	if _, err := service.PruneRuns(ctx, s, retention, time.Now(), log); err != nil {
		log.Error("pruning runs failed", slog.String("error", err.Error()))
	}
}

// recoverRuns fails runs a previous process left running. With a shared
// Redis, a held run lock means another instance owns them.
func recoverRuns(ctx context.Context, s store.Store, rds *cache.Redis, log *slog.Logger) error {
	if rds != nil {
		held, err := cache.IsLocked(ctx, rds, runLockKey)
		if err != nil {
			return fmt.Errorf("run lock: %w", err)
		}
		if held {
			log.Info("run lock held by another instance, leaving running runs alone")
			return nil
		}
	}
	_, err := service.RecoverInterruptedRuns(ctx, s, time.Now(), log)
	return err
}
