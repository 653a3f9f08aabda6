package autoplay

import (
	"context"
	"strings"

	"github.com/osa030/voxlink/internal/domain/track"
)

// SoundCloudConfig represents the settings of SoundCloudStrategy.
type SoundCloudConfig struct {
	FallbackSearch *bool    `yaml:"fallback_search" mapstructure:"fallback_search" default:"true"`
	Sources        []string `yaml:"sources" mapstructure:"sources"`
}

// SoundCloudStrategy loads the recommended set of the ended SoundCloud track.
type SoundCloudStrategy struct {
	sourceMatcher
	config SoundCloudConfig
}

// NewSoundCloudStrategy creates a SoundCloudStrategy from settings.
func NewSoundCloudStrategy(settings map[string]any) (*SoundCloudStrategy, error) {
	var config SoundCloudConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	if len(config.Sources) == 0 {
		config.Sources = []string{"soundcloud"}
	}
	return &SoundCloudStrategy{sourceMatcher: sourceMatcher{sources: config.Sources}, config: config}, nil
}

// Name returns the strategy name.
func (s *SoundCloudStrategy) Name() string {
	return "soundcloud"
}

// Search loads <uri>/recommended, or searches SoundCloud by title and author.
func (s *SoundCloudStrategy) Search(ctx context.Context, loader Loader, seed track.Track) (*track.LoadResult, error) {
	if uri := strings.TrimRight(seed.Info.URI, "/"); uri != "" && seed.HasSource("soundcloud") {
		res, err := loader.LoadTracks(ctx, uri+"/recommended")
		if err != nil || len(res.Candidates()) > 0 || !*s.config.FallbackSearch {
			return res, err
		}
	}
	return loader.LoadTracks(ctx, searchQuery("scsearch", seed))
}
