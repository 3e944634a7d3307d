package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cwygoda/ytfetch/internal/adapter/postgres"
	"github.com/cwygoda/ytfetch/internal/adapter/redis"
	"github.com/cwygoda/ytfetch/internal/adapter/sqlite"
	"github.com/cwygoda/ytfetch/internal/adapter/strategy"
	"github.com/cwygoda/ytfetch/internal/adapter/youtube"
	"github.com/cwygoda/ytfetch/internal/atomicfs"
	"github.com/cwygoda/ytfetch/internal/config"
	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/lease"
	"github.com/cwygoda/ytfetch/internal/logger"
	"github.com/cwygoda/ytfetch/internal/maintenance"
	"github.com/cwygoda/ytfetch/internal/metrics"
	"github.com/cwygoda/ytfetch/internal/ratelimit"
	"github.com/cwygoda/ytfetch/internal/worker"
)

// store is implemented by both the postgres and the sqlite adapter.
type store interface {
	domain.JobRepository
	domain.ContentRepository
	domain.StagingRepository
	domain.ExpansionCache
	Ping(ctx context.Context) error
}

// app holds everything shared by the subcommands of one process.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	store    store
	locker   domain.Locker
	cache    domain.ExpansionCache
	svc      *domain.JobService
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log = log.With(logger.String("service", cfg.Service))

	a := &app{cfg: cfg, log: log}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openCache(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.svc = domain.NewJobService(a.store, a.store, domain.ServiceConfig{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Defaults: domain.Options{
			OutputDirectory: cfg.Output.Directory,
			Container:       cfg.Videos.Container,
			Quality:         cfg.Videos.Quality,
			Languages:       cfg.Transcripts.Languages,
			OutputFormat:    cfg.Transcripts.Format,
		},
		Backoff: lease.Backoff{
			Base:   cfg.Worker.RetryBase.Duration,
			Max:    cfg.Worker.RetryMax.Duration,
			Jitter: lease.DefaultJitter,
		},
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case "postgres":
		conn, err := postgres.Connect(ctx, db.DSN, db.MaxOpenConns)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		if autoMigrate {
			if err := postgres.Migrate(ctx, conn, db.Schema); err != nil {
				return err
			}
			a.log.Info("migrations applied", logger.String("schema", db.Schema))
		}
		st, err := postgres.NewStore(conn, db.Schema)
		if err != nil {
			return err
		}
		a.store, a.locker = st, postgres.NewLocker(conn)
		a.log.Info("database connected", logger.String("driver", "postgres"), logger.String("schema", db.Schema))
	case "sqlite":
		repo, err := sqlite.New(db.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		a.store, a.locker = repo, repo
		a.log.Info("database opened", logger.String("driver", "sqlite"), logger.String("path", db.Path))
	default:
		return fmt.Errorf("unknown database driver %q", db.Driver)
	}
	return nil
}

func (a *app) openCache(ctx context.Context) error {
	if a.cfg.Cache.Backend != "redis" {
		a.cache = a.store
		return nil
	}
	client, err := redis.NewClient(ctx, redis.Config{
		Address:  a.cfg.Cache.RedisAddr,
		Password: a.cfg.Cache.RedisPassword,
		DB:       a.cfg.Cache.RedisDB,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)
	a.cache = redis.NewExpansionCache(client, "ytfetch:"+a.cfg.Service)
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.log != nil {
		_ = a.log.Sync()
	}
	return errors.Join(errs...)
}

func (a *app) finalizer() *atomicfs.Finalizer {
	return atomicfs.New(a.store, a.locker,
		atomicfs.WithLockTTL(a.cfg.Output.StagingLockTTL.Duration),
		atomicfs.WithLogger(a.log),
	)
}

func (a *app) newProcessor() (*worker.Processor, error) {
	cfg := a.cfg
	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	quota := ratelimit.NewQuotaTracker(cfg.RateLimit.DailyQuota, cfg.RateLimit.QuotaWindow.Duration, ratelimit.WithLogger(a.log))

	var catalog domain.Catalog
	if cfg.YouTube.APIKey != "" {
		catalog = youtube.New(youtube.Config{
			BaseURL: cfg.YouTube.BaseURL,
			APIKey:  cfg.YouTube.APIKey,
			Timeout: cfg.YouTube.Timeout.Duration,
			Retries: cfg.YouTube.Retries,
		}, limiter, quota, a.log)
	} else {
		a.log.Warn("no YouTube API key, playlist and channel jobs will fail")
	}

	registry := strategy.NewDefaultRegistry(strategy.ExecRunner{},
		strategy.VideoSettings{
			Bin:        cfg.Videos.YtDlpPath,
			Extractors: cfg.Videos.Extractors,
			Container:  cfg.Videos.Container,
			Quality:    cfg.Videos.Quality,
		},
		strategy.TranscriptSettings{
			Bin:       cfg.Videos.YtDlpPath,
			Languages: cfg.Transcripts.Languages,
			Format:    cfg.Transcripts.Format,
		},
	)
	strategies, err := registry.Strategies(cfg.Service)
	if err != nil {
		return nil, err
	}
	chain := strategy.NewChain(strategies, worker.NewAttemptRecorder(a.store, a.metrics, cfg.Service), limiter,
		strategy.ChainConfig{
			Retries:   cfg.Worker.StrategyRetries,
			RetryBase: cfg.Worker.RetryBase.Duration,
			RetryMax:  cfg.Worker.RetryMax.Duration,
		}, a.log)

	entityTypes := make([]domain.EntityType, 0, len(cfg.Worker.EntityTypes))
	for _, s := range cfg.Worker.EntityTypes {
		t, err := domain.ParseEntityType(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("worker.entity_types: %w", err)
		}
		entityTypes = append(entityTypes, t)
	}

	return worker.NewProcessor(worker.Config{
		Service:       cfg.Service,
		WorkerID:      cfg.Worker.ID,
		Concurrency:   cfg.Worker.Concurrency,
		BatchSize:     cfg.Worker.BatchSize,
		PollInterval:  cfg.Worker.PollInterval.Duration,
		LeaseDuration: cfg.Worker.LeaseDuration.Duration,
		EntityTypes:   entityTypes,
		OutputDir:     cfg.Output.Directory,
		CacheTTL:      cfg.Cache.TTL.Duration,
	}, worker.Deps{
		Jobs:      a.svc,
		Content:   a.store,
		Staging:   a.store,
		Catalog:   catalog,
		Cache:     a.cache,
		Chain:     chain,
		Finalizer: a.finalizer(),
		Metrics:   a.metrics,
		Log:       a.log,
	}), nil
}

func (a *app) newScheduler() (*maintenance.Scheduler, error) {
	cfg := a.cfg
	return maintenance.New(maintenance.Config{
		Service:            cfg.Service,
		ReaperSchedule:     cfg.Maintenance.ReaperSchedule,
		StagingSchedule:    cfg.Maintenance.StagingSchedule,
		CachePurgeSchedule: cfg.Maintenance.CachePurgeSchedule,
		OutputDirs:         []string{cfg.Output.Directory},
		StagingMaxAge:      cfg.Output.StagingMaxAge.Duration,
	}, maintenance.Deps{
		Jobs:      a.svc,
		Finalizer: a.finalizer(),
		Cache:     a.cache,
		Metrics:   a.metrics,
		Log:       a.log,
	})
}
