package worker

import (
	"context"

	"github.com/cwygoda/ytfetch/internal/adapter/strategy"
	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/metrics"
)

type attemptRecorder struct {
	content domain.ContentRepository
	metrics *metrics.Metrics
	service string
}

// NewAttemptRecorder persists strategy attempts and counts them per strategy.
func NewAttemptRecorder(content domain.ContentRepository, m *metrics.Metrics, service string) strategy.AttemptRecorder {
	return &attemptRecorder{content: content, metrics: m, service: service}
}

func (r *attemptRecorder) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	r.metrics.RecordAttempt(r.service, a.Strategy, a.Success)
	return r.content.RecordAttempt(ctx, a)
}
