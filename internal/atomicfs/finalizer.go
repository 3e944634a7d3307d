// Package atomicfs publishes artifacts into a shared output directory so that
// readers only ever see complete files. Writes land in <output>/.staging and
// are moved into place by rename, or by copy+fsync+rename across devices.
package atomicfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
)

const (
	// StagingDirName is the scratch directory inside every output directory.
	StagingDirName = ".staging"

	DefaultLockTTL = 6 * time.Hour
	DefaultMaxAge  = 24 * time.Hour
)

// Result describes a published artifact.
type Result struct {
	FinalPath string
	Hash      string
	Size      int64
}

// Finalizer stages and publishes artifacts.
type Finalizer struct {
	staging domain.StagingRepository
	locker  domain.Locker
	lockTTL time.Duration
	now     func() time.Time
	log     logger.Logger

	// Overridden in tests to simulate cross-device moves and crashes.
	sameDevice func(a, b string) (bool, error)
	afterCopy  func(tmpPath string) error
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithLockTTL sets how long a staging record protects its file from cleanup.
func WithLockTTL(d time.Duration) Option {
	return func(f *Finalizer) { f.lockTTL = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Finalizer) { f.log = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(f *Finalizer) { f.now = now }
}

// New creates a Finalizer backed by the given staging records and locker.
func New(staging domain.StagingRepository, locker domain.Locker, opts ...Option) *Finalizer {
	f := &Finalizer{
		staging:    staging,
		locker:     locker,
		lockTTL:    DefaultLockTTL,
		now:        time.Now,
		log:        logger.NewNop(),
		sameDevice: sameFilesystem,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// StagingDir returns the staging directory of outputDir.
func StagingDir(outputDir string) string {
	return filepath.Join(outputDir, StagingDirName)
}

// LockKey is the advisory lock guarding publication of entityID.
func LockKey(entityID string) string {
	return "download:" + entityID
}

// BeginStaging reserves a staging path for entityID and records it.
// finalName is relative to outputDir.
func (f *Finalizer) BeginStaging(ctx context.Context, entityID, outputDir, ext, finalName string) (*domain.Staging, error) {
	dir := StagingDir(outputDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	now := f.now().UTC()
	stamp := fmt.Sprintf("%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
	st := &domain.Staging{
		ID:            uuid.New(),
		EntityID:      entityID,
		StagingPath:   filepath.Join(dir, fmt.Sprintf("%s_%s.%s", entityID, stamp, ext)),
		FinalPath:     filepath.Join(outputDir, finalName),
		CreatedAt:     now,
		LockExpiresAt: now.Add(f.lockTTL),
	}
	if err := f.staging.CreateStaging(ctx, st); err != nil {
		return nil, fmt.Errorf("record staging: %w", err)
	}

	f.log.Debug("staging ready",
		logger.String("entity_id", entityID),
		logger.String("staging_path", st.StagingPath),
	)
	return st, nil
}

// Finalize publishes the staged file at st.FinalPath. On any failure the
// staged file is left in place for inspection.
func (f *Finalizer) Finalize(ctx context.Context, st *domain.Staging) (*Result, error) {
	hash, size, err := hashFile(st.StagingPath)
	if err != nil {
		return nil, fmt.Errorf("hash staged file: %w", err)
	}

	err = f.locker.WithLock(ctx, LockKey(st.EntityID), func(ctx context.Context) error {
		if err := f.move(st.StagingPath, st.FinalPath); err != nil {
			return err
		}
		return f.staging.MarkStagingFinalized(ctx, st.ID)
	})
	if err != nil {
		f.log.Error("finalize failed",
			logger.String("entity_id", st.EntityID),
			logger.String("staging_path", st.StagingPath),
			logger.Error(err),
		)
		return nil, fmt.Errorf("finalize %s: %w", st.EntityID, err)
	}

	f.log.Info("artifact finalized",
		logger.String("entity_id", st.EntityID),
		logger.String("final_path", st.FinalPath),
		logger.Int64("size", size),
		logger.String("hash", hash[:16]),
	)
	return &Result{FinalPath: st.FinalPath, Hash: hash, Size: size}, nil
}

func (f *Finalizer) move(src, dst string) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	same, err := f.sameDevice(src, dir)
	if err != nil {
		return fmt.Errorf("stat devices: %w", err)
	}
	if same {
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("rename: %w", err)
		}
		return syncDir(dir)
	}

	tmp := dst + ".tmp"
	if err := copyDurable(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if f.afterCopy != nil {
		if err := f.afterCopy(tmp); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.log.Warn("remove staged copy", logger.String("path", src), logger.Error(err))
	}
	return nil
}

// copyDurable copies src to dst and fsyncs dst before returning.
func copyDurable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("fsync: %w", err)
	}
	return out.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("fsync dir: %w", err)
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
