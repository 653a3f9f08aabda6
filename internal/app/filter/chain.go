package filter

import (
	"context"

	"github.com/osa030/voxlink/internal/domain/track"
)

// Chain executes filters in sequence.
type Chain struct {
	filters []Filter
}

// NewChain creates a new filter chain.
func NewChain(filters ...Filter) *Chain {
	return &Chain{
		filters: append(make([]Filter, 0, len(filters)), filters...),
	}
}

// Add adds a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.filters = append(c.filters, f)
}

// Execute runs all filters in sequence.
// Returns immediately if any filter rejects the track.
// Filters are only applied if they declare they apply to the given origin.
func (c *Chain) Execute(ctx context.Context, t track.Track, view QueueView, origin Origin) Result {
	if c == nil {
		return Accept()
	}
	for _, f := range c.filters {
		if !f.AppliesTo(origin) {
			continue
		}

		result := f.Check(ctx, t, view)
		if !result.Accepted {
			return result
		}
	}
	return Accept()
}

// Select returns the tracks the chain accepts, in order.
func (c *Chain) Select(ctx context.Context, tracks []track.Track, view QueueView, origin Origin) []track.Track {
	out := make([]track.Track, 0, len(tracks))
	for _, t := range tracks {
		if c.Execute(ctx, t, view, origin).Accepted {
			out = append(out, t)
		}
	}
	return out
}

// Filters returns all filters in the chain.
func (c *Chain) Filters() []Filter {
	if c == nil {
		return nil
	}
	return c.filters
}
