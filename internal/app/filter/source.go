package filter

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/osa030/voxlink/internal/domain/track"
)

// SourceConfig represents the configuration for SourceFilter.
type SourceConfig struct {
	Allowed []string `yaml:"allowed" mapstructure:"allowed"`
	Blocked []string `yaml:"blocked" mapstructure:"blocked"`
}

// SourceFilter checks the source a track was loaded from.
type SourceFilter struct {
	config SourceConfig
}

// NewSourceFilter creates a new SourceFilter.
func NewSourceFilter(cfg SourceConfig) *SourceFilter {
	return &SourceFilter{config: cfg}
}

func (f *SourceFilter) Name() string {
	return "source_filter"
}

func (f *SourceFilter) Description() string {
	return "Checks that the track comes from an allowed, non-blocked source"
}

func (f *SourceFilter) ReturnCodes() []string {
	return []string{"source_restriction"}
}

func (f *SourceFilter) ValidateConfig(settings map[string]any) error {
	var cfg SourceConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return err
	}
	for _, allowed := range cfg.Allowed {
		for _, blocked := range cfg.Blocked {
			if strings.EqualFold(allowed, blocked) {
				return errors.Newf("source %q is both allowed and blocked", allowed)
			}
		}
	}
	f.config = cfg
	return nil
}

func (f *SourceFilter) AppliesTo(Origin) bool {
	// Source restrictions apply to every track regardless of origin
	return true
}

func (f *SourceFilter) Check(_ context.Context, t track.Track, _ QueueView) Result {
	if len(f.config.Blocked) > 0 && t.HasSource(f.config.Blocked...) {
		return Reject("source_restriction")
	}
	if len(f.config.Allowed) > 0 && !t.HasSource(f.config.Allowed...) {
		return Reject("source_restriction")
	}
	return Accept()
}

func init() {
	Register("source_filter", func() Filter {
		return &SourceFilter{}
	})
}
