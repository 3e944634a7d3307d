package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/ytfetch/internal/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupTestRepo(t *testing.T) (*Repository, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	repo, err := New(filepath.Join(t.TempDir(), "nested", "test.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, clock
}

func newJob(clock *testClock, entityID string) *domain.Job {
	return &domain.Job{
		ID:          uuid.New(),
		EntityType:  domain.EntityVideo,
		EntityID:    entityID,
		Status:      domain.StatusPending,
		RequestedAt: clock.Now(),
		MaxAttempts: 3,
		Options:     domain.Options{Container: "webm"},
	}
}

func mustCreate(t *testing.T, repo *Repository, job *domain.Job) *domain.Job {
	t.Helper()
	saved, created, err := repo.Create(context.Background(), job)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created {
		t.Fatalf("Create() created = false")
	}
	return saved
}

func claim(t *testing.T, repo *Repository, worker string, limit int, lease time.Duration) []domain.Job {
	t.Helper()
	jobs, err := repo.Claim(context.Background(), domain.ClaimRequest{WorkerID: worker, Limit: limit, LeaseDuration: lease})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	return jobs
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	job := mustCreate(t, repo, newJob(clock, "dQw4w9WgXcQ"))
	if job.Status != domain.StatusPending {
		t.Errorf("Create() status = %q, want pending", job.Status)
	}
	if job.Options.Container != "webm" {
		t.Errorf("Create() options = %+v", job.Options)
	}
	if !job.RequestedAt.Equal(clock.Now()) {
		t.Errorf("Create() requested_at = %v, want %v", job.RequestedAt, clock.Now())
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != job.ID || got.EntityID != "dQw4w9WgXcQ" {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_CreateIdempotent(t *testing.T) {
	repo, clock := setupTestRepo(t)

	first := newJob(clock, "dQw4w9WgXcQ")
	first.IdempotencyKey = "req-1"
	mustCreate(t, repo, first)

	second := newJob(clock, "dQw4w9WgXcQ")
	second.IdempotencyKey = "req-1"
	saved, created, err := repo.Create(context.Background(), second)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created {
		t.Error("Create() created = true for duplicate key")
	}
	if saved.ID != first.ID {
		t.Errorf("Create() id = %s, want %s", saved.ID, first.ID)
	}

	// Jobs without a key never collide.
	mustCreate(t, repo, newJob(clock, "a"))
	mustCreate(t, repo, newJob(clock, "b"))
}

func TestRepository_List(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, repo, newJob(clock, id))
		clock.Advance(time.Second)
	}
	claim(t, repo, "w1", 1, time.Minute)

	jobs, total, err := repo.List(ctx, domain.JobFilter{Status: domain.StatusPending, Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Fatalf("List() total = %d len = %d, want 2", total, len(jobs))
	}
	if jobs[0].EntityID != "c" {
		t.Errorf("List() first = %q, want newest", jobs[0].EntityID)
	}

	jobs, total, err = repo.List(ctx, domain.JobFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(jobs) != 1 || jobs[0].EntityID != "b" {
		t.Errorf("List() paged = %d %+v", total, jobs)
	}
}

func TestRepository_ClaimOrderAndLease(t *testing.T) {
	repo, clock := setupTestRepo(t)

	for _, id := range []string{"first", "second", "third"} {
		mustCreate(t, repo, newJob(clock, id))
		clock.Advance(time.Second)
	}

	jobs := claim(t, repo, "w1", 2, 30*time.Minute)
	if len(jobs) != 2 {
		t.Fatalf("Claim() len = %d, want 2", len(jobs))
	}
	if jobs[0].EntityID != "first" || jobs[1].EntityID != "second" {
		t.Errorf("Claim() order = %s, %s", jobs[0].EntityID, jobs[1].EntityID)
	}
	j := jobs[0]
	if j.Status != domain.StatusProcessing || j.LockedBy != "w1" || j.Attempts != 1 {
		t.Errorf("Claim() job = %+v", j)
	}
	if j.StartedAt == nil || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Equal(clock.Now().Add(30*time.Minute)) {
		t.Errorf("Claim() lease = %v", j.LeaseExpiresAt)
	}

	rest := claim(t, repo, "w2", 5, time.Minute)
	if len(rest) != 1 || rest[0].EntityID != "third" {
		t.Errorf("Claim() second worker = %+v", rest)
	}
}

func TestRepository_ClaimEntityFilter(t *testing.T) {
	repo, clock := setupTestRepo(t)

	mustCreate(t, repo, newJob(clock, "video"))
	pl := newJob(clock, "PL123")
	pl.EntityType = domain.EntityPlaylist
	mustCreate(t, repo, pl)

	jobs, err := repo.Claim(context.Background(), domain.ClaimRequest{
		WorkerID:      "w1",
		Limit:         5,
		LeaseDuration: time.Minute,
		EntityTypes:   []domain.EntityType{domain.EntityPlaylist},
	})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != pl.ID {
		t.Errorf("Claim() = %+v, want only playlist", jobs)
	}
}

func TestRepository_ConcurrentClaimsAreExclusive(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "shared.db")

	// One repository per worker, each with its own connection to the file,
	// so exclusivity comes from the claim statement and not the pool.
	const workers = 4
	repos := make([]*Repository, workers)
	for i := range repos {
		repo, err := New(path, WithClock(clock.Now))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		repos[i] = repo
	}

	const total = 40
	for i := 0; i < total; i++ {
		mustCreate(t, repos[0], newJob(clock, uuid.NewString()))
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]string{}
		wg   sync.WaitGroup
	)
	for w, repo := range repos {
		worker := "w" + string(rune('a'+w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := repo.Claim(context.Background(), domain.ClaimRequest{WorkerID: worker, Limit: 2, LeaseDuration: time.Hour})
				if err != nil {
					t.Errorf("Claim() error = %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, ok := seen[j.ID]; ok {
						t.Errorf("job %s claimed by %s and %s", j.ID, prev, worker)
					}
					seen[j.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d jobs, want %d", len(seen), total)
	}
	for id, worker := range seen {
		job, err := repos[workers-1].Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if job.LockedBy != worker || job.Attempts != 1 {
			t.Errorf("job %s locked_by = %s attempts = %d, want %s and 1", id, job.LockedBy, job.Attempts, worker)
		}
	}
}

func TestRepository_ExpiredLeaseIsReclaimed(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	job := mustCreate(t, repo, newJob(clock, "v"))
	claim(t, repo, "w1", 1, time.Second)

	if got := claim(t, repo, "w2", 1, time.Minute); len(got) != 0 {
		t.Fatalf("Claim() while lease live = %d jobs", len(got))
	}

	clock.Advance(2 * time.Second)
	got := claim(t, repo, "w2", 1, time.Minute)
	if len(got) != 1 || got[0].ID != job.ID || got[0].LockedBy != "w2" || got[0].Attempts != 2 {
		t.Fatalf("Claim() after expiry = %+v", got)
	}

	err := repo.UpdateStatus(ctx, domain.StatusUpdate{ID: job.ID, WorkerID: "w1", Status: domain.StatusCompleted})
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("UpdateStatus() stale worker error = %v, want %v", err, domain.ErrLeaseLost)
	}
	if err := repo.ExtendLease(ctx, job.ID, "w1", time.Minute); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("ExtendLease() stale worker error = %v", err)
	}
	if err := repo.ExtendLease(ctx, job.ID, "w2", time.Hour); err != nil {
		t.Errorf("ExtendLease() error = %v", err)
	}
}

func TestRepository_ResetExpiredLeases(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	retryable := mustCreate(t, repo, newJob(clock, "retry"))
	exhausted := newJob(clock, "last")
	exhausted.MaxAttempts = 1
	mustCreate(t, repo, exhausted)
	claim(t, repo, "w1", 2, time.Second)

	res, err := repo.ResetExpiredLeases(ctx)
	if err != nil || res.Total() != 0 {
		t.Fatalf("ResetExpiredLeases() before expiry = %+v, %v", res, err)
	}

	clock.Advance(time.Minute)
	res, err = repo.ResetExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ResetExpiredLeases() error = %v", err)
	}
	if len(res.Requeued) != 1 || res.Requeued[0] != retryable.ID {
		t.Errorf("Requeued = %v", res.Requeued)
	}
	if len(res.Failed) != 1 || res.Failed[0] != exhausted.ID {
		t.Errorf("Failed = %v", res.Failed)
	}

	got, _ := repo.Get(ctx, retryable.ID)
	if got.Status != domain.StatusPending || got.LockedBy != "" || got.LeaseExpiresAt != nil {
		t.Errorf("requeued job = %+v", got)
	}
	got, _ = repo.Get(ctx, exhausted.ID)
	if got.Status != domain.StatusFailed || got.CompletedAt == nil || got.ErrorMessage == "" {
		t.Errorf("failed job = %+v", got)
	}
}

func TestRepository_UpdateStatusComplete(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	job := mustCreate(t, repo, newJob(clock, "v"))
	claim(t, repo, "w1", 1, time.Minute)

	err := repo.UpdateStatus(ctx, domain.StatusUpdate{
		ID:       job.ID,
		WorkerID: "w1",
		Status:   domain.StatusCompleted,
		Summary:  &domain.Summary{TotalItems: 2, SucceededItems: 1, FailedItems: 1, BytesWritten: 99, OutputLocation: "/out"},
	})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	got, _ := repo.Get(ctx, job.ID)
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil || got.LockedBy != "" {
		t.Errorf("completed job = %+v", got)
	}
	if got.Summary.SucceededItems != 1 || got.Summary.BytesWritten != 99 || got.Summary.OutputLocation != "/out" {
		t.Errorf("summary = %+v", got.Summary)
	}

	err = repo.UpdateStatus(ctx, domain.StatusUpdate{ID: job.ID, WorkerID: "w1", Status: domain.StatusFailed})
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("UpdateStatus() after completion error = %v", err)
	}
	err = repo.UpdateStatus(ctx, domain.StatusUpdate{ID: uuid.New(), Status: domain.StatusFailed})
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("UpdateStatus() unknown job error = %v", err)
	}
}

func TestRepository_CancelWins(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	job := mustCreate(t, repo, newJob(clock, "v"))
	claim(t, repo, "w1", 1, time.Minute)

	cancelled, err := repo.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Errorf("Cancel() status = %q", cancelled.Status)
	}

	err = repo.UpdateStatus(ctx, domain.StatusUpdate{ID: job.ID, WorkerID: "w1", Status: domain.StatusCompleted})
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("UpdateStatus() after cancel error = %v", err)
	}
	if _, err := repo.Cancel(ctx, job.ID); !errors.Is(err, domain.ErrJobTerminal) {
		t.Errorf("Cancel() twice error = %v", err)
	}
	if _, err := repo.Cancel(ctx, uuid.New()); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Cancel() unknown error = %v", err)
	}
}

func TestRepository_RequeueRespectsNextRun(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	job := mustCreate(t, repo, newJob(clock, "v"))
	claim(t, repo, "w1", 1, time.Minute)

	err := repo.Requeue(ctx, domain.Requeue{
		ID:            job.ID,
		WorkerID:      "w1",
		Reason:        "quota exhausted",
		NextRunAt:     clock.Now().Add(time.Hour),
		RefundAttempt: true,
	})
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	got, _ := repo.Get(ctx, job.ID)
	if got.Status != domain.StatusPending || got.Attempts != 0 || got.ErrorMessage != "quota exhausted" {
		t.Errorf("requeued job = %+v", got)
	}
	if jobs := claim(t, repo, "w1", 1, time.Minute); len(jobs) != 0 {
		t.Errorf("Claim() before next_run_at = %d jobs", len(jobs))
	}

	clock.Advance(time.Hour)
	if jobs := claim(t, repo, "w1", 1, time.Minute); len(jobs) != 1 {
		t.Errorf("Claim() after next_run_at = %d jobs", len(jobs))
	}

	if err := repo.Requeue(ctx, domain.Requeue{ID: job.ID, WorkerID: "other"}); !errors.Is(err, domain.ErrLeaseLost) {
		t.Errorf("Requeue() by other worker error = %v", err)
	}
}

func TestRepository_ExhaustedJobNotClaimed(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	job := newJob(clock, "v")
	job.MaxAttempts = 1
	mustCreate(t, repo, job)
	claim(t, repo, "w1", 1, time.Minute)

	if err := repo.Requeue(ctx, domain.Requeue{ID: job.ID, WorkerID: "w1", NextRunAt: clock.Now()}); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if jobs := claim(t, repo, "w2", 1, time.Minute); len(jobs) != 0 {
		t.Errorf("Claim() exhausted job = %+v", jobs)
	}
}

func TestRepository_AddQuotaUsage(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	job := mustCreate(t, repo, newJob(clock, "v"))
	if err := repo.AddQuotaUsage(ctx, job.ID, 3); err != nil {
		t.Fatalf("AddQuotaUsage() error = %v", err)
	}
	if err := repo.AddQuotaUsage(ctx, job.ID, 2); err != nil {
		t.Fatalf("AddQuotaUsage() error = %v", err)
	}
	got, _ := repo.Get(ctx, job.ID)
	if got.QuotaUnitsUsed != 5 {
		t.Errorf("QuotaUnitsUsed = %d, want 5", got.QuotaUnitsUsed)
	}
	if err := repo.AddQuotaUsage(ctx, uuid.New(), 1); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("AddQuotaUsage() unknown error = %v", err)
	}
}
