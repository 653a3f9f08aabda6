package filter

import (
	"context"

	"github.com/osa030/voxlink/internal/domain/track"
)

// RequesterLimitConfig represents the configuration for RequesterLimitFilter.
type RequesterLimitConfig struct {
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" default:"1" validate:"gte=1"`
}

// RequesterLimitFilter caps how many queued tracks one requester may have.
type RequesterLimitFilter struct {
	config RequesterLimitConfig
}

func (f *RequesterLimitFilter) Name() string {
	return "requester_limit_filter"
}

func (f *RequesterLimitFilter) Description() string {
	return "Checks that the requester has fewer than max_pending tracks waiting to be played"
}

func (f *RequesterLimitFilter) ReturnCodes() []string {
	return []string{"requester_pending"}
}

func (f *RequesterLimitFilter) ValidateConfig(settings map[string]any) error {
	var cfg RequesterLimitConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return err
	}
	f.config = cfg
	return nil
}

func (f *RequesterLimitFilter) AppliesTo(origin Origin) bool {
	// Pending limits only apply to commands, not to autoplay picks
	return origin == OriginUser
}

func (f *RequesterLimitFilter) Check(_ context.Context, t track.Track, view QueueView) Result {
	requester := t.Requester()
	if requester == "" || view == nil {
		return Accept()
	}
	limit := f.config.MaxPending
	if limit <= 0 {
		limit = 1
	}

	pending := 0
	for _, q := range view.Queue() {
		if q.Requester() == requester {
			pending++
		}
	}
	if pending >= limit {
		return Reject("requester_pending")
	}
	return Accept()
}

func init() {
	Register("requester_limit_filter", func() Filter {
		return &RequesterLimitFilter{}
	})
}
