package autoplay

import (
	"context"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/track"
)

// YouTubeConfig represents the settings of YouTubeStrategy.
type YouTubeConfig struct {
	SearchPrefix string   `yaml:"search_prefix" mapstructure:"search_prefix" default:"ytsearch" validate:"oneof=ytsearch ytmsearch"`
	UseMix       *bool    `yaml:"use_mix" mapstructure:"use_mix" default:"true"`
	Sources      []string `yaml:"sources" mapstructure:"sources"`
}

// YouTubeStrategy plays from the YouTube mix of the ended video, falling back to a
// title and author search.
type YouTubeStrategy struct {
	sourceMatcher
	config YouTubeConfig
}

// NewYouTubeStrategy creates a YouTubeStrategy from settings.
func NewYouTubeStrategy(settings map[string]any) (*YouTubeStrategy, error) {
	var config YouTubeConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	if len(config.Sources) == 0 {
		config.Sources = []string{"youtube", "youtubemusic"}
	}
	return &YouTubeStrategy{sourceMatcher: sourceMatcher{sources: config.Sources}, config: config}, nil
}

// Name returns the strategy name.
func (s *YouTubeStrategy) Name() string {
	return "youtube"
}

// Search loads the mix of seed when it is a YouTube video, else searches by title.
func (s *YouTubeStrategy) Search(ctx context.Context, loader Loader, seed track.Track) (*track.LoadResult, error) {
	if *s.config.UseMix && seed.HasSource("youtube", "youtubemusic") && seed.Info.Identifier != "" {
		res, err := loader.LoadTracks(ctx, mixURL(seed.Info.Identifier))
		if err == nil && len(res.Candidates()) > 0 {
			return res, nil
		}
		zlog.Debug().Msgf("autoplay: youtube mix unavailable, searching: id=%s error=%v", seed.Info.Identifier, err)
	}
	return loader.LoadTracks(ctx, searchQuery(s.config.SearchPrefix, seed))
}

func mixURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id + "&list=RD" + id
}
