package track

import "github.com/osa030/voxlink/internal/domain/playlist"

// LoadType classifies a node load response.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// Exception describes a node side failure.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

// LoadResult is the classified outcome of a load or search.
type LoadResult struct {
	LoadType  LoadType
	Tracks    []Track
	Playlist  *playlist.Info // Set for LoadTypePlaylist
	Exception *Exception     // Set for LoadTypeError
}

// Candidates returns the playable tracks of the result, or nil for empty and error results.
func (r *LoadResult) Candidates() []Track {
	if r == nil {
		return nil
	}
	switch r.LoadType {
	case LoadTypeTrack, LoadTypeSearch, LoadTypePlaylist:
		return r.Tracks
	default:
		return nil
	}
}

// Selected returns the track a playlist result points at, or the first track otherwise.
func (r *LoadResult) Selected() (Track, bool) {
	tracks := r.Candidates()
	if len(tracks) == 0 {
		return Track{}, false
	}
	if r.Playlist != nil && r.Playlist.HasSelection(len(tracks)) {
		return tracks[r.Playlist.SelectedTrack], true
	}
	return tracks[0], true
}
