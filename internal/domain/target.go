package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	youtubePattern   = regexp.MustCompile(`^https?://(www\.|m\.)?(youtube\.com|youtu\.be)/`)
	videoIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	listIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{10,64}$`)
	channelIDPattern = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)
	handlePattern    = regexp.MustCompile(`^@[A-Za-z0-9._-]{3,30}$`)
)

// Target is a parsed fetch request.
type Target struct {
	Type EntityType
	ID   string
}

// ValidateTarget checks that id is well formed for t.
func ValidateTarget(t EntityType, id string) error {
	var ok bool
	switch t {
	case EntityVideo:
		ok = videoIDPattern.MatchString(id)
	case EntityPlaylist:
		ok = listIDPattern.MatchString(id)
	case EntityChannel:
		ok = channelIDPattern.MatchString(id) || handlePattern.MatchString(id)
	default:
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidTarget, t)
	}
	if !ok {
		return fmt.Errorf("%w: malformed %s id %q", ErrInvalidTarget, t, id)
	}
	return nil
}

// IsYouTubeURL reports whether raw points at youtube.com or youtu.be.
func IsYouTubeURL(raw string) bool {
	return youtubePattern.MatchString(raw)
}

// ParseTarget extracts the entity type and id from a YouTube URL.
// A watch URL carrying both v and list is treated as the single video.
func ParseTarget(raw string) (Target, error) {
	if !IsYouTubeURL(raw) {
		return Target{}, ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, ErrInvalidURL
	}

	host := strings.TrimPrefix(strings.TrimPrefix(u.Hostname(), "www."), "m.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	var target Target
	switch {
	case host == "youtu.be":
		target = Target{Type: EntityVideo, ID: segments[0]}
	case segments[0] == "watch" && u.Query().Get("v") != "":
		target = Target{Type: EntityVideo, ID: u.Query().Get("v")}
	case (segments[0] == "playlist" || segments[0] == "watch") && u.Query().Get("list") != "":
		target = Target{Type: EntityPlaylist, ID: u.Query().Get("list")}
	case len(segments) >= 2 && (segments[0] == "shorts" || segments[0] == "live" || segments[0] == "embed"):
		target = Target{Type: EntityVideo, ID: segments[1]}
	case len(segments) >= 2 && segments[0] == "channel":
		target = Target{Type: EntityChannel, ID: segments[1]}
	case strings.HasPrefix(segments[0], "@"):
		target = Target{Type: EntityChannel, ID: segments[0]}
	default:
		return Target{}, fmt.Errorf("%w: unsupported youtube url %q", ErrInvalidTarget, raw)
	}

	if err := ValidateTarget(target.Type, target.ID); err != nil {
		return Target{}, err
	}
	return target, nil
}
