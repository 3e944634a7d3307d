package atomicfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
)

// CleanupResult counts what a staging sweep did.
type CleanupResult struct {
	Removed       int
	Kept          int
	PurgedRecords int64
}

// CleanupStaging removes staged entries of outputDir older than maxAge.
// Entries whose staging record still holds an unexpired lock are kept.
func (f *Finalizer) CleanupStaging(ctx context.Context, outputDir string, maxAge time.Duration) (CleanupResult, error) {
	var res CleanupResult
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	now := f.now()
	cutoff := now.Add(-maxAge)

	entries, err := os.ReadDir(StagingDir(outputDir))
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read staging dir: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(StagingDir(outputDir), entry.Name())
		rec, err := f.staging.GetStagingByPath(ctx, path)
		switch {
		case errors.Is(err, domain.ErrStagingNotFound):
			rec = nil
		case err != nil:
			return res, fmt.Errorf("lookup staging %s: %w", path, err)
		}
		if rec != nil && !rec.Finalized && rec.LockExpiresAt.After(now) {
			res.Kept++
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			f.log.Warn("remove stale staging entry", logger.String("path", path), logger.Error(err))
			continue
		}
		if rec != nil {
			if err := f.staging.DeleteStaging(ctx, rec.ID); err != nil {
				return res, fmt.Errorf("delete staging record: %w", err)
			}
		}
		res.Removed++
	}

	purged, err := f.staging.PurgeFinalizedStaging(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("purge finalized staging: %w", err)
	}
	res.PurgedRecords = purged

	if res.Removed > 0 {
		f.log.Info("staging cleaned",
			logger.String("output_dir", outputDir),
			logger.Int("removed", res.Removed),
			logger.Int("kept", res.Kept),
		)
	}
	return res, nil
}
