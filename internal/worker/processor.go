package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/cwygoda/ytfetch/internal/adapter/strategy"
	"github.com/cwygoda/ytfetch/internal/atomicfs"
	"github.com/cwygoda/ytfetch/internal/config"
	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
	"github.com/cwygoda/ytfetch/internal/metrics"
	"github.com/cwygoda/ytfetch/internal/ratelimit"
)

// Job run outcomes, as reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeLeaseLost = "lease_lost"
)

var (
	errJobCancelled = errors.New("job cancelled")
	errNoCatalog    = errors.New("no YouTube API key configured")
)

// Deps are the collaborators of a Processor. Catalog, Cache and Metrics may be nil.
type Deps struct {
	Jobs      *domain.JobService
	Content   domain.ContentRepository
	Staging   domain.StagingRepository
	Catalog   domain.Catalog
	Cache     domain.ExpansionCache
	Chain     *strategy.Chain
	Finalizer *atomicfs.Finalizer
	Metrics   *metrics.Metrics
	Log       logger.Logger
}

// Processor runs one claimed job to a terminal or requeued state.
type Processor struct {
	Deps
	cfg Config
	now func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config, deps Deps) *Processor {
	cfg = cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	return &Processor{Deps: deps, cfg: cfg, now: time.Now}
}

// ExtensionFor returns the artifact extension picker of a service.
func ExtensionFor(service string) func(domain.Options) string {
	if service == config.ServiceTranscripts {
		return func(o domain.Options) string {
			if o.OutputFormat != "" {
				return o.OutputFormat
			}
			return "vtt"
		}
	}
	return func(o domain.Options) string {
		if o.Container != "" {
			return o.Container
		}
		return "webm"
	}
}

// Handle processes job and reports its outcome. It never panics and never
// returns an error: every failure ends up on the job.
func (p *Processor) Handle(ctx context.Context, workerID string, job *domain.Job) string {
	start := p.now()
	log := p.Log.With(
		logger.String("job_id", job.ID.String()),
		logger.String("worker_id", workerID),
		logger.String("entity_type", string(job.EntityType)),
		logger.String("entity_id", job.EntityID),
		logger.Int("attempt", job.Attempts),
	)
	log.Info("job started")
	p.Metrics.RecordJobStarted(p.cfg.Service)

	runCtx, usage := ratelimit.WithUsage(ctx)
	summary, err := p.safeProcess(runCtx, workerID, job, log)

	reportCtx := context.WithoutCancel(ctx)
	if units := usage.Units(); units > 0 {
		if qErr := p.Jobs.AddQuotaUsage(reportCtx, job.ID, units); qErr != nil {
			log.Warn("record quota usage failed", logger.Int("units", units), logger.Error(qErr))
		}
		p.Metrics.RecordQuota(p.cfg.Service, units)
	}

	outcome := p.report(ctx, reportCtx, workerID, job, summary, err, log)
	elapsed := p.now().Sub(start)
	p.Metrics.RecordJobFinished(p.cfg.Service, outcome, elapsed.Seconds())
	log.Info("job finished",
		logger.String("outcome", outcome),
		logger.Duration("elapsed", elapsed),
		logger.Int("succeeded", summary.SucceededItems),
		logger.Int("failed", summary.FailedItems),
	)
	return outcome
}

func (p *Processor) report(ctx, reportCtx context.Context, workerID string, job *domain.Job, summary domain.Summary, err error, log logger.Logger) string {
	var quotaErr *ratelimit.QuotaExceededError

	switch {
	case err == nil:
		if err := p.Jobs.MarkComplete(reportCtx, job.ID, workerID, summary); err != nil {
			return p.reportMiss(err, log)
		}
		return OutcomeCompleted

	case errors.Is(err, errJobCancelled):
		log.Info("job cancelled while running")
		return OutcomeCancelled

	case errors.Is(err, domain.ErrLeaseLost):
		log.Warn("job lease lost", logger.Error(err))
		return OutcomeLeaseLost

	case ctx.Err() != nil:
		if err := p.Jobs.Defer(reportCtx, job.ID, workerID, "worker shutting down", p.now().UTC()); err != nil {
			return p.reportMiss(err, log)
		}
		return OutcomeDeferred

	case errors.As(err, &quotaErr):
		log.Warn("quota exhausted, deferring job", logger.Time("until", quotaErr.ResetAt))
		if err := p.Jobs.Defer(reportCtx, job.ID, workerID, err.Error(), quotaErr.ResetAt); err != nil {
			return p.reportMiss(err, log)
		}
		return OutcomeDeferred
	}

	log.Error("job failed", logger.Error(err))
	if err := p.Jobs.MarkRetry(reportCtx, job, workerID, err.Error()); err != nil {
		return p.reportMiss(err, log)
	}
	if job.Attempts >= job.MaxAttempts {
		return OutcomeFailed
	}
	return OutcomeRetried
}

func (p *Processor) reportMiss(err error, log logger.Logger) string {
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn("job lease lost before status update", logger.Error(err))
		return OutcomeLeaseLost
	}
	log.Error("status update failed", logger.Error(err))
	return OutcomeFailed
}

func (p *Processor) safeProcess(ctx context.Context, workerID string, job *domain.Job, log logger.Logger) (summary domain.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked",
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.process(ctx, workerID, job, log)
}

func (p *Processor) process(ctx context.Context, workerID string, job *domain.Job, log logger.Logger) (domain.Summary, error) {
	outputDir := job.Options.OutputDirectory
	if outputDir == "" {
		outputDir = p.cfg.OutputDir
	}
	summary := domain.Summary{OutputLocation: outputDir}

	ids, err := p.expand(ctx, job)
	if err != nil {
		return summary, fmt.Errorf("expand %s %s: %w", job.EntityType, job.EntityID, err)
	}
	summary.TotalItems = len(ids)
	log.Info("target expanded", logger.Int("items", len(ids)))

	if err := p.ensureContent(ctx, ids); err != nil {
		return summary, fmt.Errorf("load metadata: %w", err)
	}

	ext := p.cfg.Extension(job.Options)
	for i, id := range ids {
		if err := p.Jobs.ExtendLease(ctx, job.ID, workerID, p.cfg.LeaseDuration); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				if cur, getErr := p.Jobs.Get(ctx, job.ID); getErr == nil && cur.Status == domain.StatusCancelled {
					return summary, errJobCancelled
				}
			}
			return summary, fmt.Errorf("extend lease: %w", err)
		}

		item := &domain.JobItem{JobID: job.ID, ContentID: id, Position: i}
		size, err := p.fetchOne(ctx, job, outputDir, ext, item, log)
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			return summary, err
		}

		switch item.State {
		case domain.ItemFailed:
			summary.FailedItems++
		default:
			summary.SucceededItems++
			summary.BytesWritten += size
		}
		p.Metrics.RecordItem(p.cfg.Service, string(item.State), size)

		item.UpdatedAt = p.now().UTC()
		if err := p.Content.UpsertJobItem(ctx, item); err != nil {
			return summary, fmt.Errorf("record item %s: %w", id, err)
		}
	}
	return summary, nil
}

// fetchOne produces the artifact of one content id and sets item's state.
// An artifact only counts as present when it sits at this job's final path,
// so a different container or output directory is fetched again.
func (p *Processor) fetchOne(ctx context.Context, job *domain.Job, outputDir, ext string, item *domain.JobItem, log logger.Logger) (int64, error) {
	id := item.ContentID
	finalName := id + "." + ext

	if fileExists(filepath.Join(outputDir, finalName)) {
		item.State = domain.ItemSkipped
		return 0, nil
	}

	fail := func(err error) (int64, error) {
		item.State = domain.ItemFailed
		item.Error = err.Error()
		log.Warn("item failed", logger.String("content_id", id), logger.Error(err))
		return 0, err
	}

	st, err := p.Finalizer.BeginStaging(ctx, id, outputDir, ext, finalName)
	if err != nil {
		return fail(err)
	}

	used, err := p.Chain.Run(ctx, domain.AttemptRequest{
		JobID:       job.ID,
		ContentID:   id,
		Options:     job.Options,
		StagingPath: st.StagingPath,
	})
	if err != nil {
		p.discard(st, log)
		return fail(err)
	}

	res, err := p.Finalizer.Finalize(ctx, st)
	if err != nil {
		return fail(fmt.Errorf("finalize: %w", err))
	}
	if err := p.Content.RecordArtifact(ctx, id, res.FinalPath, res.Hash, res.Size, used); err != nil {
		return fail(fmt.Errorf("record artifact: %w", err))
	}

	item.State = domain.ItemSucceeded
	log.Info("item fetched",
		logger.String("content_id", id),
		logger.String("strategy", used),
		logger.Int64("bytes", res.Size),
	)
	return res.Size, nil
}

func (p *Processor) discard(st *domain.Staging, log logger.Logger) {
	if err := os.Remove(st.StagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove staged file", logger.String("path", st.StagingPath), logger.Error(err))
	}
	if err := p.Staging.DeleteStaging(context.Background(), st.ID); err != nil {
		log.Warn("delete staging record", logger.String("path", st.StagingPath), logger.Error(err))
	}
}

func (p *Processor) expand(ctx context.Context, job *domain.Job) ([]string, error) {
	switch job.EntityType {
	case domain.EntityVideo:
		return []string{job.EntityID}, nil
	case domain.EntityPlaylist:
		return p.cached(ctx, job.EntityID, func(ctx context.Context) ([]string, error) {
			return p.Catalog.PlaylistItems(ctx, job.EntityID)
		})
	case domain.EntityChannel:
		return p.cached(ctx, job.EntityID, func(ctx context.Context) ([]string, error) {
			uploads, err := p.Catalog.ChannelUploads(ctx, job.EntityID)
			if err != nil {
				return nil, err
			}
			return p.Catalog.PlaylistItems(ctx, uploads)
		})
	}
	return nil, fmt.Errorf("%w: unknown entity type %q", domain.ErrInvalidTarget, job.EntityType)
}

// cached serves a collection expansion from the cache, or fetches and
// stores it. A failed fetch evicts any stale entry.
func (p *Processor) cached(ctx context.Context, collectionID string, fetch func(context.Context) ([]string, error)) ([]string, error) {
	if p.Catalog == nil {
		return nil, errNoCatalog
	}
	log := p.Log.With(logger.String("collection_id", collectionID))

	if p.Cache != nil {
		ids, ok, err := p.Cache.GetExpansion(ctx, collectionID)
		switch {
		case err != nil:
			log.Warn("expansion cache read failed", logger.Error(err))
		case ok:
			log.Debug("expansion cache hit", logger.Int("items", len(ids)))
			return ids, nil
		}
	}

	ids, err := fetch(ctx)
	if err != nil {
		if p.Cache != nil {
			if evictErr := p.Cache.EvictExpansion(context.WithoutCancel(ctx), collectionID); evictErr != nil {
				log.Warn("expansion cache evict failed", logger.Error(evictErr))
			}
		}
		return nil, err
	}
	ids = dedupe(ids)

	if p.Cache != nil {
		if err := p.Cache.PutExpansion(ctx, collectionID, ids, p.cfg.CacheTTL); err != nil {
			log.Warn("expansion cache write failed", logger.Error(err))
		}
	}
	return ids, nil
}

// ensureContent makes sure every id has a content record, creating missing ones
// from the Data API when a catalog is configured.
func (p *Processor) ensureContent(ctx context.Context, ids []string) error {
	var missing []string
	for _, id := range ids {
		_, err := p.Content.GetContent(ctx, id)
		switch {
		case errors.Is(err, domain.ErrContentNotFound):
			missing = append(missing, id)
		case err != nil:
			return err
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var fetched []domain.ContentRecord
	if p.Catalog != nil {
		var err error
		fetched, err = p.Catalog.VideoMetadata(ctx, missing)
		if err != nil {
			return err
		}
	}
	byID := make(map[string]domain.ContentRecord, len(fetched))
	for _, rec := range fetched {
		byID[rec.ID] = rec
	}

	now := p.now().UTC()
	for _, id := range missing {
		rec, ok := byID[id]
		if !ok {
			rec = domain.ContentRecord{ID: id}
		}
		rec.LastFetchedAt = now
		if err := p.Content.UpsertContent(ctx, &rec); err != nil {
			return fmt.Errorf("store content %s: %w", id, err)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
