package domain

import (
	"errors"
	"testing"
)

func TestIsYouTubeURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://youtube.com/watch?v=abc123", true},
		{"https://www.youtube.com/watch?v=abc123", true},
		{"http://youtu.be/abc123", true},
		{"https://m.youtube.com/watch?v=abc123", true},
		{"https://vimeo.com/123456", false},
		{"https://notyoutube.com/watch", false},
		{"youtube.com/watch?v=abc", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsYouTubeURL(tt.url); got != tt.want {
				t.Errorf("IsYouTubeURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		url     string
		want    Target
		wantErr error
	}{
		{url: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", want: Target{EntityVideo, "dQw4w9WgXcQ"}},
		{url: "https://youtu.be/dQw4w9WgXcQ", want: Target{EntityVideo, "dQw4w9WgXcQ"}},
		{url: "https://youtube.com/shorts/dQw4w9WgXcQ", want: Target{EntityVideo, "dQw4w9WgXcQ"}},
		{url: "https://youtube.com/watch?v=dQw4w9WgXcQ&list=PLabcdefghij", want: Target{EntityVideo, "dQw4w9WgXcQ"}},
		{url: "https://www.youtube.com/playlist?list=PLrAXtmErZgOeiKm4sgNOknGvNjby9efdf", want: Target{EntityPlaylist, "PLrAXtmErZgOeiKm4sgNOknGvNjby9efdf"}},
		{url: "https://www.youtube.com/channel/UCuAXFkgsw1L7xaCfnd5JJOw", want: Target{EntityChannel, "UCuAXFkgsw1L7xaCfnd5JJOw"}},
		{url: "https://www.youtube.com/@somecreator", want: Target{EntityChannel, "@somecreator"}},
		{url: "https://vimeo.com/123", wantErr: ErrInvalidURL},
		{url: "https://youtube.com/watch?v=short", wantErr: ErrInvalidTarget},
		{url: "https://youtube.com/feed/trending", wantErr: ErrInvalidTarget},
		{url: "https://youtu.be/", wantErr: ErrInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ParseTarget(tt.url)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseTarget() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidateTarget(t *testing.T) {
	if err := ValidateTarget(EntityVideo, "dQw4w9WgXcQ"); err != nil {
		t.Errorf("valid video: %v", err)
	}
	if err := ValidateTarget(EntityVideo, "dQw4w9WgXcQ; rm -rf"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("injected video id accepted: %v", err)
	}
	if err := ValidateTarget(EntityChannel, "UCshort"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("short channel id accepted: %v", err)
	}
	if err := ValidateTarget(EntityType("podcast"), "x"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("unknown type accepted: %v", err)
	}
}
