package strategy

import (
	"fmt"
	"sort"

	"github.com/cwygoda/ytfetch/internal/domain"
)

// Registry holds the ordered strategies of each service.
type Registry struct {
	chains map[string][]domain.Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string][]domain.Strategy)}
}

// Register appends strategies to the chain of service.
func (r *Registry) Register(service string, strategies ...domain.Strategy) {
	r.chains[service] = append(r.chains[service], strategies...)
}

// Strategies returns the chain of service.
func (r *Registry) Strategies(service string) ([]domain.Strategy, error) {
	chain, ok := r.chains[service]
	if !ok || len(chain) == 0 {
		return nil, fmt.Errorf("no strategies registered for service %q", service)
	}
	return chain, nil
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VideoSettings configures the videos service chain.
type VideoSettings struct {
	Bin        string
	Extractors []string
	Container  string
	Quality    string
}

// TranscriptSettings configures the transcripts service chain.
type TranscriptSettings struct {
	Bin       string
	Languages []string
	Format    string
}

// NewDefaultRegistry registers one video strategy per extractor under
// "videos", and official then automatic subtitles under "transcripts".
func NewDefaultRegistry(runner CommandRunner, videos VideoSettings, transcripts TranscriptSettings) *Registry {
	r := NewRegistry()
	for _, client := range videos.Extractors {
		r.Register("videos", NewVideoStrategy(client, videos.Bin, runner, videos.Container, videos.Quality))
	}
	r.Register("transcripts",
		NewTranscriptStrategy(false, transcripts.Bin, runner, transcripts.Languages, transcripts.Format),
		NewTranscriptStrategy(true, transcripts.Bin, runner, transcripts.Languages, transcripts.Format),
	)
	return r
}
