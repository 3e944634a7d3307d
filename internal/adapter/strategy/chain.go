package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
	"github.com/cwygoda/ytfetch/internal/ratelimit"
)

// AttemptRecorder persists one Attempt per strategy try.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a *domain.Attempt) error
}

// ChainConfig tunes retries of transient failures.
type ChainConfig struct {
	// Retries is the number of extra tries per strategy for transient errors.
	Retries   int
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Chain tries strategies in order until one succeeds.
type Chain struct {
	strategies []domain.Strategy
	recorder   AttemptRecorder
	limiter    *ratelimit.TokenBucket
	cfg        ChainConfig
	log        logger.Logger
	now        func() time.Time
}

// NewChain builds a chain. limiter may be nil.
func NewChain(strategies []domain.Strategy, recorder AttemptRecorder, limiter *ratelimit.TokenBucket, cfg ChainConfig, log logger.Logger) *Chain {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Chain{
		strategies: strategies,
		recorder:   recorder,
		limiter:    limiter,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Strategies returns the strategies in the order they are tried.
func (c *Chain) Strategies() []domain.Strategy {
	return c.strategies
}

// Run produces an artifact at req.StagingPath and returns the name of the
// strategy that wrote it.
func (c *Chain) Run(ctx context.Context, req domain.AttemptRequest) (string, error) {
	var errs []error
	for _, s := range c.strategies {
		err := backoff.Retry(func() error {
			return c.try(ctx, s, req)
		}, backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), uint64(max(c.cfg.Retries, 0))), ctx))
		if err == nil {
			return s.Name(), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			return "", err
		}
		c.log.Info("strategy failed",
			logger.String("content_id", req.ContentID),
			logger.String("strategy", s.Name()),
			logger.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return "", fmt.Errorf("%w: %w", ErrAllStrategiesFailed, errors.Join(errs...))
}

// try runs one strategy once. Non-transient errors stop the retry loop.
func (c *Chain) try(ctx context.Context, s domain.Strategy, req domain.AttemptRequest) error {
	if err := os.Remove(req.StagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return backoff.Permanent(fmt.Errorf("clear staging file: %w", err))
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
	}

	err := s.Attempt(ctx, req)
	c.record(ctx, s, req, err)
	if err == nil || IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (c *Chain) record(ctx context.Context, s domain.Strategy, req domain.AttemptRequest, err error) {
	a := &domain.Attempt{
		ContentID:   req.ContentID,
		JobID:       req.JobID,
		Strategy:    s.Name(),
		Success:     err == nil,
		AttemptedAt: c.now().UTC(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	if recErr := c.recorder.RecordAttempt(context.WithoutCancel(ctx), a); recErr != nil {
		c.log.Warn("record attempt failed",
			logger.String("content_id", req.ContentID),
			logger.String("strategy", s.Name()),
			logger.Error(recErr),
		)
	}
}

func (c *Chain) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBase
	b.MaxInterval = c.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
