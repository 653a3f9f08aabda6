package autoplay

import (
	"context"
	"sort"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/lastfm"
)

// LastFmClient defines the interface for Last.fm operations.
type LastFmClient interface {
	GetSimilarTracks(ctx context.Context, trackName, artistName string, limit int) ([]lastfm.SimilarTrack, error)
	GetChartTopTracks(ctx context.Context, limit int) ([]lastfm.SimilarTrack, error)
}

// LastFmConfig represents the settings of LastFmStrategy.
type LastFmConfig struct {
	APIKey       string   `yaml:"api_key" mapstructure:"api_key"`
	Limit        int      `yaml:"limit" mapstructure:"limit" default:"20" validate:"gte=1,lte=100"`
	Searches     int      `yaml:"searches" mapstructure:"searches" default:"3" validate:"gte=1,lte=10"`
	MinMatch     float64  `yaml:"min_match" mapstructure:"min_match" validate:"gte=0,lte=1"`
	SearchPrefix string   `yaml:"search_prefix" mapstructure:"search_prefix" default:"ytsearch"`
	Sources      []string `yaml:"sources" mapstructure:"sources"`
	// Search the global chart when Last.fm knows no similar tracks
	ChartFallback bool `yaml:"chart_fallback" mapstructure:"chart_fallback"`
}

// LastFmStrategy asks Last.fm for similar tracks and searches each of the best
// matches on the node.
type LastFmStrategy struct {
	sourceMatcher
	client LastFmClient
	config LastFmConfig
}

// NewLastFmStrategy creates a LastFmStrategy from settings. A nil client is built from
// the api_key setting.
func NewLastFmStrategy(client LastFmClient, settings map[string]any) (*LastFmStrategy, error) {
	var config LastFmConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	if client == nil {
		c, err := lastfm.New(lastfm.Config{APIKey: config.APIKey})
		if err != nil {
			return nil, err
		}
		client = c
	}
	// Last.fm has no source of its own; it only serves configured sources or acts as
	// the primary strategy.
	return &LastFmStrategy{sourceMatcher: sourceMatcher{sources: config.Sources}, client: client, config: config}, nil
}

// Name returns the strategy name.
func (s *LastFmStrategy) Name() string {
	return "lastfm"
}

// Search resolves the best similar tracks of seed on the node.
func (s *LastFmStrategy) Search(ctx context.Context, loader Loader, seed track.Track) (*track.LoadResult, error) {
	if seed.Info.Title == "" || seed.Info.Author == "" {
		return &track.LoadResult{LoadType: track.LoadTypeEmpty}, nil
	}

	similar, err := s.client.GetSimilarTracks(ctx, seed.Info.Title, seed.Info.Author, s.config.Limit)
	if err != nil {
		return nil, err
	}
	chart := false
	if len(similar) == 0 && s.config.ChartFallback {
		similar, err = s.client.GetChartTopTracks(ctx, s.config.Limit)
		if err != nil {
			return nil, err
		}
		chart = true
	}
	similar = append([]lastfm.SimilarTrack(nil), similar...)
	sort.SliceStable(similar, func(i, j int) bool {
		return similar[i].Match > similar[j].Match
	})

	results := make([]*track.LoadResult, 0, s.config.Searches)
	for _, sim := range similar {
		if len(results) >= s.config.Searches {
			break
		}
		if !chart && sim.Match < s.config.MinMatch {
			break
		}
		q := track.Track{Info: track.Info{Title: sim.Name, Author: sim.Artist}}
		res, err := loader.LoadTracks(ctx, searchQuery(s.config.SearchPrefix, q))
		if err != nil {
			zlog.Debug().Msgf("autoplay: lastfm search failed: track=%s artist=%s error=%v", sim.Name, sim.Artist, err)
			continue
		}
		results = append(results, res)
	}
	return mergeResults(results), nil
}
