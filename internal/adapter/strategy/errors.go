// Package strategy provides the yt-dlp backed strategies for the videos and
// transcripts services and the chain that tries them in order.
package strategy

import (
	"errors"
	"strings"
)

// ErrAllStrategiesFailed is returned by Chain.Run when no strategy produced an artifact.
var ErrAllStrategiesFailed = errors.New("all strategies failed")

// TransientError marks a failure worth retrying with the same strategy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err or anything it wraps is transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

var transientMarkers = []string{
	"HTTP Error 429",
	"HTTP Error 500",
	"HTTP Error 502",
	"HTTP Error 503",
	"HTTP Error 504",
	"timed out",
	"Connection reset",
	"Temporary failure in name resolution",
	"IncompleteRead",
}

// classify wraps err as transient when yt-dlp output points to a network
// or throttling problem.
func classify(err error, output string) error {
	for _, m := range transientMarkers {
		if strings.Contains(output, m) {
			return Transient(err)
		}
	}
	return err
}
