// Package playlist provides playlist metadata returned by playlist loads.
package playlist

// Info describes a loaded playlist.
type Info struct {
	Name          string `json:"name"`          // Playlist name
	SelectedTrack int    `json:"selectedTrack"` // Index of the selected track, -1 if none
}

// HasSelection reports whether a specific track was selected within the playlist.
func (i Info) HasSelection(total int) bool {
	return i.SelectedTrack >= 0 && i.SelectedTrack < total
}
