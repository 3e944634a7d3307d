package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwygoda/ytfetch/internal/logger"
)

// Data API budget and per-call costs.
const (
	DefaultDailyQuota = 10000
	DefaultWindow     = 24 * time.Hour

	CostPlaylistItemsPage = 1
	CostVideosList        = 1
	CostChannelsList      = 1
)

// ErrQuotaExceeded matches any *QuotaExceededError.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaExceededError is returned when a request does not fit the current window.
type QuotaExceededError struct {
	Used      int
	Limit     int
	Requested int
	ResetAt   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("youtube quota exceeded: %d/%d used, %d requested (resets at %s)",
		e.Used, e.Limit, e.Requested, e.ResetAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrQuotaExceeded) match.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// QuotaTracker enforces a unit budget per window. The window resets lazily
// on the first call after it has elapsed.
type QuotaTracker struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	used        int
	windowStart time.Time
	now         func() time.Time
	log         logger.Logger
}

// QuotaOption configures a QuotaTracker.
type QuotaOption func(*QuotaTracker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) QuotaOption {
	return func(q *QuotaTracker) { q.now = now }
}

// WithLogger attaches a logger for window resets and rejections.
func WithLogger(l logger.Logger) QuotaOption {
	return func(q *QuotaTracker) { q.log = l }
}

// NewQuotaTracker creates a tracker allowing limit units per window.
func NewQuotaTracker(limit int, window time.Duration, opts ...QuotaOption) *QuotaTracker {
	if limit <= 0 {
		limit = DefaultDailyQuota
	}
	if window <= 0 {
		window = DefaultWindow
	}
	q := &QuotaTracker{
		limit:  limit,
		window: window,
		now:    time.Now,
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.windowStart = q.now()
	return q
}

// Consume reserves units from the current window. Units charged are also
// added to the Usage carried by ctx, if any.
func (q *QuotaTracker) Consume(ctx context.Context, units int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.resetIfElapsed(now)

	if q.used+units > q.limit {
		err := &QuotaExceededError{
			Used:      q.used,
			Limit:     q.limit,
			Requested: units,
			ResetAt:   q.windowStart.Add(q.window),
		}
		q.log.Warn("quota exceeded",
			logger.Int("used", q.used),
			logger.Int("limit", q.limit),
			logger.Int("requested", units),
			logger.Duration("reset_in", err.ResetAt.Sub(now)),
		)
		return err
	}

	q.used += units
	if u := UsageFrom(ctx); u != nil {
		u.add(units)
	}
	return nil
}

func (q *QuotaTracker) resetIfElapsed(now time.Time) {
	if now.Sub(q.windowStart) < q.window {
		return
	}
	if q.used > 0 {
		q.log.Info("quota window reset", logger.Int("used", q.used), logger.Int("limit", q.limit))
	}
	q.used = 0
	q.windowStart = now
}

// Used returns the units consumed in the current window.
func (q *QuotaTracker) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfElapsed(q.now())
	return q.used
}

// Limit returns the per-window budget.
func (q *QuotaTracker) Limit() int {
	return q.limit
}

// ResetAt returns when the current window ends.
func (q *QuotaTracker) ResetAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfElapsed(q.now())
	return q.windowStart.Add(q.window)
}

// Usage counts the units charged while processing one job.
type Usage struct {
	units atomic.Int64
}

func (u *Usage) add(n int) {
	u.units.Add(int64(n))
}

// Units returns the total charged so far.
func (u *Usage) Units() int {
	return int(u.units.Load())
}

type usageKey struct{}

// WithUsage returns a context that accumulates quota charges into a fresh Usage.
func WithUsage(ctx context.Context) (context.Context, *Usage) {
	u := &Usage{}
	return context.WithValue(ctx, usageKey{}, u), u
}

// UsageFrom returns the Usage attached to ctx, or nil.
func UsageFrom(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}
