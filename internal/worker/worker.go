// Package worker claims jobs from the queue and runs them through expansion,
// the strategy chain and the atomic finalizer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/lease"
	"github.com/cwygoda/ytfetch/internal/logger"
)

// Config tunes the worker loops of one process.
type Config struct {
	Service       string
	WorkerID      string
	Concurrency   int
	BatchSize     int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	EntityTypes   []domain.EntityType
	OutputDir     string
	CacheTTL      time.Duration
	// Extension picks the artifact extension for a job's options.
	Extension func(domain.Options) string
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = lease.DefaultDuration
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.Extension == nil {
		c.Extension = ExtensionFor(c.Service)
	}
	return c
}

// Worker is one claim loop.
type Worker struct {
	id   string
	proc *Processor
	cfg  Config
	log  logger.Logger
}

// New creates a worker loop with the given id.
func New(id string, proc *Processor) *Worker {
	return &Worker{
		id:   id,
		proc: proc,
		cfg:  proc.cfg,
		log:  proc.Log.With(logger.String("worker_id", id)),
	}
}

// ID returns the lease holder name of the loop.
func (w *Worker) ID() string {
	return w.id
}

// Run claims and processes jobs until ctx is cancelled. Claim errors are
// logged and retried after the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", logger.Duration("poll_interval", w.cfg.PollInterval))
	for {
		n, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.log.Info("worker shutting down")
			return nil
		}
		if err != nil {
			w.log.Error("claim failed", logger.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and processes it. It returns the number of jobs
// claimed. Jobs of the batch not started before shutdown are handed back.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.proc.Jobs.Claim(ctx, domain.ClaimRequest{
		WorkerID:      w.id,
		Limit:         w.cfg.BatchSize,
		EntityTypes:   w.cfg.EntityTypes,
		LeaseDuration: w.cfg.LeaseDuration,
	})
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	w.log.Debug("jobs claimed", logger.Int("count", len(jobs)))
	w.proc.Metrics.RecordClaimed(w.cfg.Service, len(jobs))

	for i := range jobs {
		if ctx.Err() != nil {
			w.release(jobs[i:])
			break
		}
		w.proc.Handle(ctx, w.id, &jobs[i])
	}
	return len(jobs), nil
}

func (w *Worker) release(jobs []domain.Job) {
	ctx := context.Background()
	now := time.Now().UTC()
	for _, job := range jobs {
		err := w.proc.Jobs.Defer(ctx, job.ID, w.id, "worker shutting down", now)
		if err != nil && !errors.Is(err, domain.ErrLeaseLost) {
			w.log.Warn("release job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		}
	}
}

// Pool runs Concurrency worker loops sharing one Processor.
type Pool struct {
	workers []*Worker
}

// NewPool creates cfg.Concurrency loops named <WorkerID>-<n>.
func NewPool(proc *Processor) *Pool {
	p := &Pool{}
	for i := range proc.cfg.Concurrency {
		p.workers = append(p.workers, New(fmt.Sprintf("%s-%d", proc.cfg.WorkerID, i), proc))
	}
	return p
}

// Workers returns the loops of the pool.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Run starts every loop and waits for all of them to stop.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
