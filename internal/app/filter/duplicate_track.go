package filter

import (
	"context"
	"regexp"
	"strings"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/track"
)

// DuplicateTrackConfig represents the configuration for DuplicateTrackFilter.
type DuplicateTrackConfig struct {
	IncludeHistory bool `yaml:"include_history" mapstructure:"include_history"`
}

// DuplicateTrackFilter rejects tracks already current or queued.
// Detects:
// - Same track key
// - Remasters and alternate versions (normalized title + same author)
// Excludes:
// - Cover songs (same title but different author)
type DuplicateTrackFilter struct {
	config DuplicateTrackConfig
}

// NewDuplicateTrackFilter creates a new duplicate track filter.
func NewDuplicateTrackFilter(cfg DuplicateTrackConfig) *DuplicateTrackFilter {
	return &DuplicateTrackFilter{config: cfg}
}

// Name returns the filter name.
func (f *DuplicateTrackFilter) Name() string {
	return "duplicate_track_filter"
}

// Description returns the filter description.
func (f *DuplicateTrackFilter) Description() string {
	return "Rejects tracks already current or queued, including remasters and alternate versions; covers by another author pass"
}

// ReturnCodes returns possible return codes.
func (f *DuplicateTrackFilter) ReturnCodes() []string {
	return []string{"duplicate_track"}
}

// AppliesTo returns which origins this filter applies to.
func (f *DuplicateTrackFilter) AppliesTo(Origin) bool {
	return true
}

// ValidateConfig validates the filter configuration.
func (f *DuplicateTrackFilter) ValidateConfig(settings map[string]any) error {
	var cfg DuplicateTrackConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return err
	}
	f.config = cfg
	zlog.Debug().Msgf("duplicate track filter config: %+v", cfg)
	return nil
}

// Check checks if the track is a duplicate.
func (f *DuplicateTrackFilter) Check(_ context.Context, candidate track.Track, view QueueView) Result {
	if view == nil {
		return Accept()
	}

	existing := view.Queue()
	if cur, ok := view.Current(); ok {
		existing = append(existing, cur)
	}
	if f.config.IncludeHistory {
		existing = append(existing, view.History()...)
	}

	for _, t := range existing {
		if t.Key() == candidate.Key() || isSameSong(t, candidate) {
			return Reject("duplicate_track")
		}
	}
	return Accept()
}

// isSameSong checks if two tracks are the same song in a different version.
func isSameSong(a, b track.Track) bool {
	if normalizeTitle(a.Info.Title) != normalizeTitle(b.Info.Title) {
		return false
	}
	// Same normalized title by another author is a cover.
	return isSameAuthor(a, b)
}

var (
	remasterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*-?\s*\d{4}\s+remaster(ed)?`),      // "- 2011 Remaster"
		regexp.MustCompile(`\s*\(remaster(ed)?\s*\d{0,4}\)`),     // "(Remastered 2023)"
		regexp.MustCompile(`\s*\[remaster(ed)?\s*\d{0,4}\]`),     // "[Remastered]"
		regexp.MustCompile(`\s*-?\s*remaster(ed)?(\s+version)?`), // "- Remastered"
		regexp.MustCompile(`\s*\(.*?remaster.*?\)`),              // "(Any Remaster text)"
		regexp.MustCompile(`\s*\[.*?remaster.*?\]`),              // "[Any Remaster text]"
	}
	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*[\(\[]official\s+(music\s+)?(video|audio)[\)\]]`), // "(Official Video)"
		regexp.MustCompile(`\s*[\(\[](lyric|lyrics)(\s+video)?[\)\]]`),           // "[Lyrics]"
		regexp.MustCompile(`\s*\(.*?version\)`),                                  // "(Single Version)"
		regexp.MustCompile(`\s*\(.*?edit\)`),                                     // "(Radio Edit)"
		regexp.MustCompile(`\s*-?\s*live`),                                       // "- Live"
		regexp.MustCompile(`\s*\(live\)`),                                        // "(Live)"
		regexp.MustCompile(`\s*-?\s*radio\s+edit`),                               // "- Radio Edit"
		regexp.MustCompile(`\s*-?\s*single\s+version`),                           // "- Single Version"
	}
	spacePattern = regexp.MustCompile(`\s+`)
)

// normalizeTitle removes remaster information and version details.
func normalizeTitle(title string) string {
	normalized := strings.ToLower(title)

	for _, pattern := range remasterPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	for _, pattern := range versionPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}

	normalized = strings.TrimSpace(normalized)
	normalized = spacePattern.ReplaceAllString(normalized, " ")
	return strings.TrimRight(normalized, " -")
}

// isSameAuthor compares authors case-insensitively. YouTube auto-generated
// channels carry a " - Topic" suffix that is ignored.
func isSameAuthor(a, b track.Track) bool {
	x, y := normalizeAuthor(a.Info.Author), normalizeAuthor(b.Info.Author)
	if x == "" || y == "" {
		return false
	}
	return x == y
}

func normalizeAuthor(author string) string {
	author = strings.ToLower(strings.TrimSpace(author))
	author = strings.TrimSuffix(author, " - topic")
	return strings.TrimSpace(author)
}

func init() {
	Register("duplicate_track_filter", func() Filter {
		return &DuplicateTrackFilter{}
	})
}
