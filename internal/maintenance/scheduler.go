// Package maintenance runs the periodic housekeeping of a service: the lease
// reaper, staging cleanup and expansion cache purge.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cwygoda/ytfetch/internal/atomicfs"
	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
	"github.com/cwygoda/ytfetch/internal/metrics"
)

// Config holds the cron schedules. An empty schedule disables its task.
type Config struct {
	Service            string
	ReaperSchedule     string
	StagingSchedule    string
	CachePurgeSchedule string
	OutputDirs         []string
	StagingMaxAge      time.Duration
}

// Deps are the collaborators of a Scheduler. Cache and Metrics may be nil.
type Deps struct {
	Jobs      *domain.JobService
	Finalizer *atomicfs.Finalizer
	Cache     domain.ExpansionCache
	Metrics   *metrics.Metrics
	Log       logger.Logger
}

// Scheduler owns the cron instance running the maintenance tasks.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	deps   Deps
	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler and registers every configured task.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	log := deps.Log.With(logger.String("component", "maintenance"))

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, cfg: cfg, deps: deps, log: log, ctx: ctx, cancel: cancel}

	tasks := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"reaper", cfg.ReaperSchedule, s.reap},
		{"staging", cfg.StagingSchedule, s.cleanStaging},
		{"cache_purge", cfg.CachePurgeSchedule, s.purgeCache},
	}
	for _, t := range tasks {
		if t.schedule == "" {
			continue
		}
		if t.name == "cache_purge" && deps.Cache == nil {
			continue
		}
		if _, err := c.AddFunc(t.schedule, s.wrap(t.name, t.run)); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", t.name, t.schedule, err)
		}
		log.Info("maintenance task scheduled", logger.String("task", t.name), logger.String("schedule", t.schedule))
	}
	return s, nil
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("maintenance task failed", logger.String("task", name), logger.Error(err))
			return
		}
		s.log.Debug("maintenance task done", logger.String("task", name), logger.Duration("elapsed", time.Since(start)))
	}
}

// Entries returns the number of scheduled tasks.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Run executes every task once, then on schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.RunAll(ctx)
	s.cron.Start()
	<-ctx.Done()
	return s.Stop(context.Background())
}

// RunAll executes every configured task once, in order.
func (s *Scheduler) RunAll(ctx context.Context) {
	if s.cfg.ReaperSchedule != "" {
		s.logErr("reaper", s.reap(ctx))
	}
	if s.cfg.StagingSchedule != "" {
		s.logErr("staging", s.cleanStaging(ctx))
	}
	if s.cfg.CachePurgeSchedule != "" && s.deps.Cache != nil {
		s.logErr("cache_purge", s.purgeCache(ctx))
	}
}

func (s *Scheduler) logErr(task string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("maintenance task failed", logger.String("task", task), logger.Error(err))
	}
}

// Stop stops the cron and waits for running tasks, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) reap(ctx context.Context) error {
	_, err := s.ReapLeases(ctx)
	return err
}

// ReapLeases returns jobs with expired leases to pending, or fails them when
// they used their last attempt.
func (s *Scheduler) ReapLeases(ctx context.Context) (domain.LeaseReset, error) {
	res, err := s.deps.Jobs.ResetExpiredLeases(ctx)
	if err != nil {
		return res, fmt.Errorf("reset expired leases: %w", err)
	}
	if res.Total() > 0 {
		s.log.Warn("leases expired",
			logger.Int("requeued", len(res.Requeued)),
			logger.Int("failed", len(res.Failed)),
		)
	}
	s.deps.Metrics.RecordReaped(s.cfg.Service, len(res.Requeued), len(res.Failed))
	return res, nil
}

func (s *Scheduler) cleanStaging(ctx context.Context) error {
	_, err := s.CleanStaging(ctx)
	return err
}

// CleanStaging sweeps the staging directory of every output directory.
func (s *Scheduler) CleanStaging(ctx context.Context) (atomicfs.CleanupResult, error) {
	var total atomicfs.CleanupResult
	var errs []error
	for _, dir := range s.cfg.OutputDirs {
		res, err := s.deps.Finalizer.CleanupStaging(ctx, dir, s.cfg.StagingMaxAge)
		total.Removed += res.Removed
		total.Kept += res.Kept
		total.PurgedRecords += res.PurgedRecords
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
		}
	}
	s.deps.Metrics.RecordStagingRemoved(s.cfg.Service, total.Removed)
	return total, errors.Join(errs...)
}

func (s *Scheduler) purgeCache(ctx context.Context) error {
	_, err := s.PurgeCache(ctx)
	return err
}

// PurgeCache deletes expired expansion cache entries.
func (s *Scheduler) PurgeCache(ctx context.Context) (int64, error) {
	if s.deps.Cache == nil {
		return 0, nil
	}
	n, err := s.deps.Cache.PurgeExpiredExpansions(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge expansion cache: %w", err)
	}
	if n > 0 {
		s.log.Info("expansion cache purged", logger.Int64("entries", n))
	}
	s.deps.Metrics.RecordExpansionsPurged(s.cfg.Service, n)
	return n, nil
}

// cronLogger routes cron's internal logging to the service logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logger.Any(key, kv[i+1]))
	}
	return fields
}
