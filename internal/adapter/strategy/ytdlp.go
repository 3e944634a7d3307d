package strategy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cwygoda/ytfetch/internal/domain"
)

const watchURL = "https://www.youtube.com/watch?v="

// VideoStrategy downloads a video with yt-dlp using one player client.
type VideoStrategy struct {
	client    string
	bin       string
	runner    CommandRunner
	container string
	quality   string
}

// NewVideoStrategy creates a strategy for a yt-dlp player client such as
// "android" or "web". The client "default" leaves extractor selection to yt-dlp.
func NewVideoStrategy(client, bin string, runner CommandRunner, container, quality string) *VideoStrategy {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &VideoStrategy{client: client, bin: bin, runner: runner, container: container, quality: quality}
}

// Name returns the strategy name recorded on attempts.
func (s *VideoStrategy) Name() string {
	return "ytdlp:" + s.client
}

// Attempt implements domain.Strategy.
func (s *VideoStrategy) Attempt(ctx context.Context, req domain.AttemptRequest) error {
	container := firstNonEmpty(req.Options.Container, s.container, "webm")
	quality := firstNonEmpty(req.Options.Quality, s.quality, "best")

	args := func(dir string) []string {
		a := []string{
			"--no-playlist",
			"--no-progress",
			"--no-mtime",
			"-o", filepath.Join(dir, "media.%(ext)s"),
			"-f", formatSelector(quality),
			"--merge-output-format", container,
		}
		if s.client != "default" {
			a = append(a, "--extractor-args", "youtube:player_client="+s.client)
		}
		if req.Options.EmbedMetadata {
			a = append(a, "--embed-metadata")
		}
		if req.Options.EmbedThumbnail {
			a = append(a, "--embed-thumbnail")
		}
		return append(a, watchURL+req.ContentID)
	}

	pick := func(files []string) string {
		for _, f := range files {
			if strings.HasPrefix(f, "media.") && strings.HasSuffix(f, "."+container) {
				return f
			}
		}
		for _, f := range files {
			if strings.HasPrefix(f, "media.") {
				return f
			}
		}
		return ""
	}

	return runIsolated(ctx, s.runner, req.StagingPath, s.bin, args, pick)
}

// formatSelector maps a quality setting to a yt-dlp -f expression.
func formatSelector(quality string) string {
	switch q := strings.ToLower(quality); {
	case q == "" || q == "best":
		return "bestvideo*+bestaudio/best"
	case q == "audio":
		return "bestaudio/best"
	case q == "worst":
		return "worst"
	case strings.HasSuffix(q, "p"):
		h := strings.TrimSuffix(q, "p")
		return fmt.Sprintf("bestvideo*[height<=%s]+bestaudio/best[height<=%s]", h, h)
	default:
		return quality
	}
}

// TranscriptStrategy fetches subtitles with yt-dlp, either uploaded by the
// creator or generated automatically.
type TranscriptStrategy struct {
	auto      bool
	bin       string
	runner    CommandRunner
	languages []string
	format    string
}

// NewTranscriptStrategy creates a subtitle strategy.
func NewTranscriptStrategy(auto bool, bin string, runner CommandRunner, languages []string, format string) *TranscriptStrategy {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &TranscriptStrategy{auto: auto, bin: bin, runner: runner, languages: languages, format: format}
}

// Name returns the strategy name recorded on attempts.
func (s *TranscriptStrategy) Name() string {
	if s.auto {
		return "subs:auto"
	}
	return "subs:official"
}

// Attempt implements domain.Strategy.
func (s *TranscriptStrategy) Attempt(ctx context.Context, req domain.AttemptRequest) error {
	langs := req.Options.Languages
	if len(langs) == 0 {
		langs = s.languages
	}
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	format := firstNonEmpty(req.Options.OutputFormat, s.format, "vtt")

	subsFlag := "--write-subs"
	if s.auto {
		subsFlag = "--write-auto-subs"
	}

	args := func(dir string) []string {
		return []string{
			"--skip-download",
			"--no-playlist",
			subsFlag,
			"--sub-langs", strings.Join(langs, ","),
			"--sub-format", format,
			"-o", filepath.Join(dir, "subs.%(ext)s"),
			watchURL + req.ContentID,
		}
	}

	// Prefer languages in the order requested.
	pick := func(files []string) string {
		for _, lang := range langs {
			want := "subs." + lang + "." + format
			for _, f := range files {
				if f == want {
					return f
				}
			}
		}
		return ""
	}

	err := runIsolated(ctx, s.runner, req.StagingPath, s.bin, args, pick)
	if errors.Is(err, errNoOutput) {
		return fmt.Errorf("no %s subtitles in %s", strings.TrimPrefix(s.Name(), "subs:"), strings.Join(langs, ","))
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
