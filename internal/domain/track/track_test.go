package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/osa030/voxlink/internal/domain/playlist"
)

func TestTrack_Key(t *testing.T) {
	tests := []struct {
		name     string
		track    Track
		expected string
	}{
		{
			name:     "identifier with source",
			track:    Track{Encoded: "QAAA", Info: Info{Identifier: "dQw4w9WgXcQ", SourceName: "youtube"}},
			expected: "youtube:dQw4w9WgXcQ",
		},
		{
			name:     "uri when identifier is missing",
			track:    Track{Encoded: "QAAA", Info: Info{URI: "https://example.com/a.mp3"}},
			expected: "https://example.com/a.mp3",
		},
		{
			name:     "encoded as last resort",
			track:    Track{Encoded: "QAAA"},
			expected: "QAAA",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.track.Key())
		})
	}
}

func TestTrack_Same(t *testing.T) {
	a := Track{Encoded: "A", Info: Info{Identifier: "x", SourceName: "youtube"}}
	b := Track{Encoded: "B", Info: Info{Identifier: "x", SourceName: "youtube"}}
	noBlob := Track{Info: Info{Identifier: "x", SourceName: "youtube"}}

	assert.True(t, a.Same(a))
	assert.False(t, a.Same(b), "different blobs are different tracks")
	assert.True(t, a.Same(noBlob), "falls back to key when a blob is missing")
}

func TestTrack_Duration(t *testing.T) {
	tr := Track{Info: Info{Length: 212000}}
	assert.Equal(t, 212*time.Second, tr.Duration())
}

func TestTrack_HasSource(t *testing.T) {
	tr := Track{Info: Info{SourceName: "YouTube"}}
	assert.True(t, tr.HasSource("soundcloud", "youtube"))
	assert.False(t, tr.HasSource("spotify"))
}

func TestTrack_WithRequester(t *testing.T) {
	original := Track{Encoded: "A", UserData: map[string]any{"k": "v"}}
	tagged := original.WithRequester("user-1")

	assert.Equal(t, "user-1", tagged.Requester())
	assert.Equal(t, "v", tagged.UserData["k"])
	assert.Empty(t, original.Requester(), "original is not modified")
}

func TestLoadResult_Candidates(t *testing.T) {
	tracks := []Track{{Encoded: "A"}, {Encoded: "B"}}
	tests := []struct {
		name     string
		result   *LoadResult
		expected []Track
	}{
		{name: "nil result", result: nil, expected: nil},
		{name: "search", result: &LoadResult{LoadType: LoadTypeSearch, Tracks: tracks}, expected: tracks},
		{name: "playlist", result: &LoadResult{LoadType: LoadTypePlaylist, Tracks: tracks}, expected: tracks},
		{name: "empty", result: &LoadResult{LoadType: LoadTypeEmpty}, expected: nil},
		{name: "error", result: &LoadResult{LoadType: LoadTypeError, Exception: &Exception{Message: "boom"}}, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.Candidates())
		})
	}
}

func TestLoadResult_Selected(t *testing.T) {
	tracks := []Track{{Encoded: "A"}, {Encoded: "B"}}

	got, ok := (&LoadResult{LoadType: LoadTypePlaylist, Tracks: tracks, Playlist: &playlist.Info{SelectedTrack: 1}}).Selected()
	assert.True(t, ok)
	assert.Equal(t, "B", got.Encoded)

	got, ok = (&LoadResult{LoadType: LoadTypePlaylist, Tracks: tracks, Playlist: &playlist.Info{SelectedTrack: -1}}).Selected()
	assert.True(t, ok)
	assert.Equal(t, "A", got.Encoded)

	_, ok = (&LoadResult{LoadType: LoadTypeEmpty}).Selected()
	assert.False(t, ok)
}
