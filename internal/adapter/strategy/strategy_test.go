package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/ytfetch/internal/domain"
)

// fakeRunner writes files into the work dir and records the invocation.
type fakeRunner struct {
	files  map[string]string
	output string
	err    error

	gotDir  string
	gotName string
	gotArgs []string
}

func (r *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	r.gotDir, r.gotName, r.gotArgs = dir, name, args
	for f, content := range r.files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return []byte(r.output), r.err
}

func stagingPath(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".staging")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return filepath.Join(dir, "dQw4w9WgXcQ_20260301_120000_000001.webm")
}

func TestVideoStrategy_Attempt(t *testing.T) {
	runner := &fakeRunner{files: map[string]string{"media.webm": "video-bytes", "media.webm.part": "x"}}
	s := NewVideoStrategy("android", "", runner, "webm", "720p")
	path := stagingPath(t)

	err := s.Attempt(context.Background(), domain.AttemptRequest{
		ContentID:   "dQw4w9WgXcQ",
		StagingPath: path,
		Options:     domain.Options{EmbedMetadata: true},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	assert.Equal(t, "yt-dlp", runner.gotName)
	args := strings.Join(runner.gotArgs, " ")
	assert.Contains(t, args, "--extractor-args youtube:player_client=android")
	assert.Contains(t, args, "-f bestvideo*[height<=720]+bestaudio/best[height<=720]")
	assert.Contains(t, args, "--merge-output-format webm")
	assert.Contains(t, args, "--embed-metadata")
	assert.NotContains(t, args, "--embed-thumbnail")
	assert.True(t, strings.HasSuffix(args, "https://www.youtube.com/watch?v=dQw4w9WgXcQ"))

	assert.Equal(t, filepath.Dir(path), filepath.Dir(runner.gotDir))
	_, err = os.Stat(runner.gotDir)
	assert.True(t, os.IsNotExist(err), "work dir should be removed")
	assert.Equal(t, "ytdlp:android", s.Name())
}

func TestVideoStrategy_DefaultClient(t *testing.T) {
	runner := &fakeRunner{files: map[string]string{"media.mkv": "x"}}
	s := NewVideoStrategy("default", "/usr/bin/yt-dlp", runner, "webm", "best")

	require.NoError(t, s.Attempt(context.Background(), domain.AttemptRequest{
		ContentID:   "v",
		StagingPath: stagingPath(t),
		Options:     domain.Options{Container: "mkv"},
	}))
	assert.Equal(t, "/usr/bin/yt-dlp", runner.gotName)
	assert.NotContains(t, runner.gotArgs, "--extractor-args")
	assert.Contains(t, runner.gotArgs, "mkv")
}

func TestVideoStrategy_Failures(t *testing.T) {
	tests := []struct {
		name      string
		runner    *fakeRunner
		transient bool
	}{
		{
			name:      "throttled",
			runner:    &fakeRunner{output: "ERROR: HTTP Error 429: Too Many Requests", err: errors.New("exit status 1")},
			transient: true,
		},
		{
			name:      "unavailable",
			runner:    &fakeRunner{output: "ERROR: Video unavailable", err: errors.New("exit status 1")},
			transient: false,
		},
		{
			name:      "no output",
			runner:    &fakeRunner{},
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := stagingPath(t)
			s := NewVideoStrategy("web", "", tt.runner, "webm", "best")

			err := s.Attempt(context.Background(), domain.AttemptRequest{ContentID: "v", StagingPath: path})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))

			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr), "staging path must stay empty")
		})
	}
}

func TestTranscriptStrategy_PicksLanguageOrder(t *testing.T) {
	runner := &fakeRunner{files: map[string]string{
		"subs.en.vtt": "english",
		"subs.de.vtt": "german",
	}}
	s := NewTranscriptStrategy(true, "", runner, []string{"en"}, "vtt")
	path := stagingPath(t)

	err := s.Attempt(context.Background(), domain.AttemptRequest{
		ContentID:   "v",
		StagingPath: path,
		Options:     domain.Options{Languages: []string{"de", "en"}},
	})
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "german", string(data))
	assert.Contains(t, runner.gotArgs, "--write-auto-subs")
	assert.Contains(t, runner.gotArgs, "--skip-download")
	assert.Contains(t, runner.gotArgs, "de,en")
	assert.Equal(t, "subs:auto", s.Name())
}

func TestTranscriptStrategy_NoSubtitles(t *testing.T) {
	s := NewTranscriptStrategy(false, "", &fakeRunner{}, []string{"en"}, "vtt")

	err := s.Attempt(context.Background(), domain.AttemptRequest{ContentID: "v", StagingPath: stagingPath(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no official subtitles")
	assert.False(t, IsTransient(err))
}

type scriptedStrategy struct {
	name    string
	results []error
	calls   int
	content string
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Attempt(_ context.Context, req domain.AttemptRequest) error {
	i := s.calls
	s.calls++
	if _, err := os.Stat(req.StagingPath); err == nil {
		return errors.New("staging file not cleared")
	}
	if i < len(s.results) && s.results[i] != nil {
		_ = os.WriteFile(req.StagingPath, []byte("partial"), 0o644)
		return s.results[i]
	}
	return os.WriteFile(req.StagingPath, []byte(s.content), 0o644)
}

type memRecorder struct {
	mu       sync.Mutex
	attempts []domain.Attempt
}

func (r *memRecorder) RecordAttempt(_ context.Context, a *domain.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, *a)
	return nil
}

func fastChain(strategies []domain.Strategy, rec AttemptRecorder, retries int) *Chain {
	return NewChain(strategies, rec, nil, ChainConfig{
		Retries:   retries,
		RetryBase: time.Millisecond,
		RetryMax:  2 * time.Millisecond,
	}, nil)
}

func TestChain_FallsThroughOnPermanentError(t *testing.T) {
	first := &scriptedStrategy{name: "first", results: []error{errors.New("blocked")}}
	second := &scriptedStrategy{name: "second", content: "ok"}
	rec := &memRecorder{}
	path := stagingPath(t)
	jobID := uuid.New()

	used, err := fastChain([]domain.Strategy{first, second}, rec, 3).Run(context.Background(), domain.AttemptRequest{
		JobID: jobID, ContentID: "v", StagingPath: path,
	})
	require.NoError(t, err)
	assert.Equal(t, "second", used)
	assert.Equal(t, 1, first.calls, "permanent errors are not retried")

	require.Len(t, rec.attempts, 2)
	assert.Equal(t, "first", rec.attempts[0].Strategy)
	assert.False(t, rec.attempts[0].Success)
	assert.Equal(t, "blocked", rec.attempts[0].Error)
	assert.Equal(t, "second", rec.attempts[1].Strategy)
	assert.True(t, rec.attempts[1].Success)
	assert.Equal(t, "v", rec.attempts[1].ContentID)
	assert.Equal(t, jobID, rec.attempts[1].JobID)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "ok", string(data))
}

func TestChain_RetriesTransientErrors(t *testing.T) {
	flaky := &scriptedStrategy{
		name:    "flaky",
		results: []error{Transient(errors.New("reset")), Transient(errors.New("reset"))},
		content: "ok",
	}
	rec := &memRecorder{}

	used, err := fastChain([]domain.Strategy{flaky}, rec, 2).Run(context.Background(), domain.AttemptRequest{
		ContentID: "v", StagingPath: stagingPath(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "flaky", used)
	assert.Equal(t, 3, flaky.calls)
	require.Len(t, rec.attempts, 3)
	assert.True(t, rec.attempts[2].Success)
}

func TestChain_AllFail(t *testing.T) {
	a := &scriptedStrategy{name: "a", results: []error{Transient(errors.New("timeout")), Transient(errors.New("timeout"))}}
	b := &scriptedStrategy{name: "b", results: []error{errors.New("gone")}}
	rec := &memRecorder{}

	_, err := fastChain([]domain.Strategy{a, b}, rec, 1).Run(context.Background(), domain.AttemptRequest{
		ContentID: "v", StagingPath: stagingPath(t),
	})
	require.ErrorIs(t, err, ErrAllStrategiesFailed)
	assert.Contains(t, err.Error(), "a: transient: timeout")
	assert.Contains(t, err.Error(), "b: gone")
	assert.Equal(t, 2, a.calls)
	assert.Len(t, rec.attempts, 3)
}

func TestChain_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &scriptedStrategy{name: "a", results: []error{Transient(errors.New("x"))}}
	b := &scriptedStrategy{name: "b"}

	_, err := fastChain([]domain.Strategy{a, b}, &memRecorder{}, 3).Run(ctx, domain.AttemptRequest{
		ContentID: "v", StagingPath: stagingPath(t),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.calls)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(ExecRunner{},
		VideoSettings{Extractors: []string{"android", "web"}, Container: "webm"},
		TranscriptSettings{Languages: []string{"en"}, Format: "vtt"},
	)

	videos, err := r.Strategies("videos")
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, "ytdlp:android", videos[0].Name())
	assert.Equal(t, "ytdlp:web", videos[1].Name())

	subs, err := r.Strategies("transcripts")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "subs:official", subs[0].Name())
	assert.Equal(t, "subs:auto", subs[1].Name())

	_, err = r.Strategies("podcasts")
	assert.Error(t, err)
	assert.Equal(t, []string{"transcripts", "videos"}, r.Services())
}
