// Package autoplay picks a related track when a player's queue runs dry.
package autoplay

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/osa030/voxlink/internal/domain/track"
)

// Loader resolves identifiers and search queries on an audio node.
type Loader interface {
	LoadTracks(ctx context.Context, identifier string) (*track.LoadResult, error)
}

// Strategy searches for tracks related to an ended track.
// Different implementations query different sources.
type Strategy interface {
	// Name returns the strategy type (used in config).
	Name() string

	// Matches reports whether the strategy handles tracks of the seed's source.
	Matches(seed track.Track) bool

	// Search looks up tracks related to seed through loader.
	Search(ctx context.Context, loader Loader, seed track.Track) (*track.LoadResult, error)
}

// sourceMatcher implements Matches over a list of source names.
type sourceMatcher struct {
	sources []string
}

func (m sourceMatcher) Matches(seed track.Track) bool {
	return seed.HasSource(m.sources...)
}

// decodeSettings fills cfg from free-form settings, then applies struct tag defaults
// and validation.
func decodeSettings(settings map[string]any, cfg any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create settings decoder")
	}
	if err := decoder.Decode(settings); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(cfg); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}

// searchQuery builds a free-text query from title and author.
func searchQuery(prefix string, t track.Track) string {
	q := strings.TrimSpace(t.Info.Title + " " + t.Info.Author)
	return prefix + ":" + q
}

// mergeResults collects the first track of each result into one search result.
func mergeResults(results []*track.LoadResult) *track.LoadResult {
	merged := &track.LoadResult{LoadType: track.LoadTypeSearch}
	for _, r := range results {
		if t, ok := r.Selected(); ok {
			merged.Tracks = append(merged.Tracks, t)
		}
	}
	if len(merged.Tracks) == 0 {
		merged.LoadType = track.LoadTypeEmpty
	}
	return merged
}
