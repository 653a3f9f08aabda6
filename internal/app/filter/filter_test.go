package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voxlink/internal/domain/track"
)

func TestSourceFilter_Check(t *testing.T) {
	tests := []struct {
		name         string
		config       SourceConfig
		source       string
		wantAccepted bool
	}{
		{
			name:         "no restriction",
			source:       "soundcloud",
			wantAccepted: true,
		},
		{
			name:         "allowed source",
			config:       SourceConfig{Allowed: []string{"youtube", "soundcloud"}},
			source:       "SoundCloud",
			wantAccepted: true,
		},
		{
			name:         "not in allow list",
			config:       SourceConfig{Allowed: []string{"youtube"}},
			source:       "bandcamp",
			wantAccepted: false,
		},
		{
			name:         "blocked source",
			config:       SourceConfig{Blocked: []string{"http"}},
			source:       "http",
			wantAccepted: false,
		},
		{
			name:         "not blocked",
			config:       SourceConfig{Blocked: []string{"http"}},
			source:       "youtube",
			wantAccepted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewSourceFilter(tt.config)
			trk := track.Track{Info: track.Info{SourceName: tt.source}}

			result := f.Check(context.Background(), trk, nil)

			assert.Equal(t, tt.wantAccepted, result.Accepted)
			if !tt.wantAccepted {
				assert.Equal(t, "source_restriction", result.Code)
			}
		})
	}
}

func TestSourceFilter_ValidateConfig(t *testing.T) {
	f := &SourceFilter{}
	require.NoError(t, f.ValidateConfig(map[string]any{"allowed": []any{"youtube"}}))
	assert.Equal(t, []string{"youtube"}, f.config.Allowed)

	err := f.ValidateConfig(map[string]any{"allowed": []any{"youtube"}, "blocked": []any{"YouTube"}})
	assert.Error(t, err)
}

func TestRequesterLimitFilter_Check(t *testing.T) {
	tests := []struct {
		name         string
		maxPending   int
		queued       []string // requesters of queued tracks
		requester    string
		wantAccepted bool
	}{
		{
			name:         "no pending tracks",
			maxPending:   1,
			requester:    "alice",
			wantAccepted: true,
		},
		{
			name:         "has pending track",
			maxPending:   1,
			queued:       []string{"bob", "alice"},
			requester:    "alice",
			wantAccepted: false,
		},
		{
			name:         "below a higher limit",
			maxPending:   3,
			queued:       []string{"alice", "alice"},
			requester:    "alice",
			wantAccepted: true,
		},
		{
			name:         "anonymous track",
			maxPending:   1,
			queued:       []string{""},
			requester:    "",
			wantAccepted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &RequesterLimitFilter{config: RequesterLimitConfig{MaxPending: tt.maxPending}}
			view := &mockView{}
			for i, r := range tt.queued {
				q := song(string(rune('a'+i)), "queued", "x")
				if r != "" {
					q = q.WithRequester(r)
				}
				view.queue = append(view.queue, q)
			}
			candidate := song("new", "new", "y")
			if tt.requester != "" {
				candidate = candidate.WithRequester(tt.requester)
			}

			result := f.Check(context.Background(), candidate, view)

			assert.Equal(t, tt.wantAccepted, result.Accepted)
			if !tt.wantAccepted {
				assert.Equal(t, "requester_pending", result.Code)
			}
		})
	}
}

func TestRequesterLimitFilter_Defaults(t *testing.T) {
	f := &RequesterLimitFilter{}
	require.NoError(t, f.ValidateConfig(map[string]any{}))
	assert.Equal(t, 1, f.config.MaxPending)

	assert.Error(t, f.ValidateConfig(map[string]any{"max_pending": -2}))
}

func TestChain_Execute(t *testing.T) {
	dup := NewDuplicateTrackFilter(DuplicateTrackConfig{})
	limit := &RequesterLimitFilter{config: RequesterLimitConfig{MaxPending: 1}}
	chain := NewChain(dup)
	chain.Add(limit)

	queued := song("q", "Queued", "A").WithRequester("alice")
	view := &mockView{queue: []track.Track{queued}}

	// The first rejecting filter wins.
	result := chain.Execute(context.Background(), queued, view, OriginUser)
	assert.Equal(t, "duplicate_track", result.Code)

	fresh := song("f", "Fresh", "B").WithRequester("alice")
	result = chain.Execute(context.Background(), fresh, view, OriginUser)
	assert.Equal(t, "requester_pending", result.Code)

	// The requester limit does not apply to autoplay picks.
	assert.True(t, chain.Execute(context.Background(), fresh, view, OriginAutoplay).Accepted)

	var empty *Chain
	assert.True(t, empty.Execute(context.Background(), fresh, view, OriginUser).Accepted)
	assert.Len(t, chain.Filters(), 2)
}

func TestChain_Select(t *testing.T) {
	f := NewSourceFilter(SourceConfig{Blocked: []string{"http"}})
	chain := NewChain(f)

	a := song("a", "A", "x")
	b := song("b", "B", "x")
	b.Info.SourceName = "http"
	c := song("c", "C", "x")

	got := chain.Select(context.Background(), []track.Track{a, b, c}, nil, OriginAutoplay)
	assert.Equal(t, []track.Track{a, c}, got)
}

func TestNew(t *testing.T) {
	f, err := New("duration_limit_filter", map[string]any{"max_minutes": 10})
	require.NoError(t, err)
	assert.Equal(t, "duration_limit_filter", f.Name())

	_, err = New("duration_limit_filter", map[string]any{"min_minutes": 5, "max_minutes": 1})
	assert.Error(t, err)

	_, err = New("no_such_filter", nil)
	assert.Error(t, err)

	assert.Equal(t, []string{"duplicate_track_filter", "duration_limit_filter", "requester_limit_filter", "source_filter"}, Names())
}
