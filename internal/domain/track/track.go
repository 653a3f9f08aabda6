// Package track provides the Track domain entity as exchanged with audio nodes.
package track

import (
	"strings"
	"time"
)

// Info holds the decoded metadata of a track.
type Info struct {
	Identifier string `json:"identifier"`           // Source-specific identifier
	IsSeekable bool   `json:"isSeekable"`           // Seek support
	Author     string `json:"author"`               // Artist / uploader
	Length     int64  `json:"length"`               // Length in milliseconds
	IsStream   bool   `json:"isStream"`             // Live stream flag
	Position   int64  `json:"position"`             // Start position in milliseconds
	Title      string `json:"title"`                // Track title
	URI        string `json:"uri,omitempty"`        // Canonical URI
	ArtworkURL string `json:"artworkUrl,omitempty"` // Artwork URL
	ISRC       string `json:"isrc,omitempty"`       // ISRC when the source provides one
	SourceName string `json:"sourceName"`           // Source tag (youtube, soundcloud, spotify, ...)
}

// Track is an opaque playable reference plus its decoded metadata.
// Values are copied freely between queue, history and autoplay candidates.
type Track struct {
	Encoded    string         `json:"encoded"`              // Opaque blob understood by the node
	Info       Info           `json:"info"`                 // Decoded metadata
	PluginInfo map[string]any `json:"pluginInfo,omitempty"` // Node plugin metadata
	UserData   map[string]any `json:"userData,omitempty"`   // Caller supplied data, echoed by the node
}

// Duration returns the track length.
func (t Track) Duration() time.Duration {
	return time.Duration(t.Info.Length) * time.Millisecond
}

// Key returns the identifier used to recognise the same track across loads.
func (t Track) Key() string {
	if t.Info.Identifier != "" {
		return t.Info.SourceName + ":" + t.Info.Identifier
	}
	if t.Info.URI != "" {
		return t.Info.URI
	}
	return t.Encoded
}

// Same reports whether both values refer to the same encoded track.
func (t Track) Same(other Track) bool {
	if t.Encoded != "" && other.Encoded != "" {
		return t.Encoded == other.Encoded
	}
	return t.Key() == other.Key()
}

// HasSource reports whether the track came from one of the given sources.
func (t Track) HasSource(sources ...string) bool {
	for _, s := range sources {
		if strings.EqualFold(t.Info.SourceName, s) {
			return true
		}
	}
	return false
}

// Requester returns the requester stored in UserData, if any.
func (t Track) Requester() string {
	if t.UserData == nil {
		return ""
	}
	if v, ok := t.UserData["requester"].(string); ok {
		return v
	}
	return ""
}

// WithRequester returns a copy of the track tagged with a requester.
func (t Track) WithRequester(requester string) Track {
	data := make(map[string]any, len(t.UserData)+1)
	for k, v := range t.UserData {
		data[k] = v
	}
	data["requester"] = requester
	t.UserData = data
	return t
}
