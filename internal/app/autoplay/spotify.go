package autoplay

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/spotify"
)

// SpotifyClient defines the Spotify Web API operations the strategy needs.
type SpotifyClient interface {
	Recommendations(ctx context.Context, seed string, limit int) ([]spotify.Song, error)
	SearchTrack(ctx context.Context, title, artist string, limit int) ([]spotify.Song, error)
}

// SpotifyConfig represents the settings of SpotifyStrategy.
type SpotifyConfig struct {
	Limit   int      `yaml:"limit" mapstructure:"limit" default:"10" validate:"gte=1,lte=100"`
	Resolve int      `yaml:"resolve" mapstructure:"resolve" default:"5" validate:"gte=1,lte=20"`
	Sources []string `yaml:"sources" mapstructure:"sources"`
}

// SpotifyStrategy finds related tracks through Spotify recommendations. With a Web
// API client, recommended songs are resolved one by one on the node; without one,
// the node's own sprec: search is used.
type SpotifyStrategy struct {
	sourceMatcher
	client SpotifyClient // May be nil
	config SpotifyConfig
}

// NewSpotifyStrategy creates a SpotifyStrategy from settings. client may be nil.
func NewSpotifyStrategy(client SpotifyClient, settings map[string]any) (*SpotifyStrategy, error) {
	var config SpotifyConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	if len(config.Sources) == 0 {
		config.Sources = []string{"spotify"}
	}
	return &SpotifyStrategy{sourceMatcher: sourceMatcher{sources: config.Sources}, client: client, config: config}, nil
}

// Name returns the strategy name.
func (s *SpotifyStrategy) Name() string {
	return "spotify"
}

// Search returns tracks recommended for seed.
func (s *SpotifyStrategy) Search(ctx context.Context, loader Loader, seed track.Track) (*track.LoadResult, error) {
	if s.client != nil {
		return s.searchWebAPI(ctx, loader, seed)
	}
	return s.searchNode(ctx, loader, seed)
}

func (s *SpotifyStrategy) searchWebAPI(ctx context.Context, loader Loader, seed track.Track) (*track.LoadResult, error) {
	seedID := ""
	if seed.HasSource("spotify") {
		seedID = seed.Info.Identifier
	} else {
		found, err := s.client.SearchTrack(ctx, seed.Info.Title, seed.Info.Author, 1)
		if err != nil {
			return nil, errors.Wrap(err, "failed to find seed on spotify")
		}
		if len(found) > 0 {
			seedID = found[0].ID
		}
	}
	if seedID == "" {
		return &track.LoadResult{LoadType: track.LoadTypeEmpty}, nil
	}

	songs, err := s.client.Recommendations(ctx, seedID, s.config.Limit)
	if err != nil {
		return nil, err
	}

	results := make([]*track.LoadResult, 0, s.config.Resolve)
	for _, song := range songs {
		if len(results) >= s.config.Resolve {
			break
		}
		res, err := loader.LoadTracks(ctx, song.URL())
		if err != nil {
			zlog.Debug().Msgf("autoplay: failed to resolve spotify song: id=%s error=%v", song.ID, err)
			continue
		}
		results = append(results, res)
	}
	return mergeResults(results), nil
}

func (s *SpotifyStrategy) searchNode(ctx context.Context, loader Loader, seed track.Track) (*track.LoadResult, error) {
	seedID := ""
	if seed.HasSource("spotify") {
		seedID = seed.Info.Identifier
	} else {
		res, err := loader.LoadTracks(ctx, searchQuery("spsearch", seed))
		if err != nil {
			return nil, err
		}
		if t, ok := res.Selected(); ok {
			seedID = t.Info.Identifier
		}
	}
	if seedID == "" || strings.ContainsAny(seedID, "&= ") {
		return &track.LoadResult{LoadType: track.LoadTypeEmpty}, nil
	}
	return loader.LoadTracks(ctx, "sprec:seed_tracks="+seedID)
}
