package backend

import (
	"encoding/json"

	"github.com/osa030/voxlink/internal/domain/playlist"
	"github.com/osa030/voxlink/internal/domain/track"
)

// Op is the discriminator of inbound socket messages.
type Op string

const (
	OpReady        Op = "ready"
	OpPlayerUpdate Op = "playerUpdate"
	OpStats        Op = "stats"
	OpEvent        Op = "event"
)

type inbound struct {
	Op Op `json:"op"`
}

// Ready is delivered once per socket open.
type Ready struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// PlayerState is the authoritative playback state reported by a node.
type PlayerState struct {
	Time      int64 `json:"time"`      // Unix millis of the report
	Position  int64 `json:"position"`  // Position in milliseconds
	Connected bool  `json:"connected"` // Voice connection state
	Ping      int64 `json:"ping"`      // Voice ping in milliseconds, -1 if not connected
}

// PlayerUpdate is the periodic player state message.
type PlayerUpdate struct {
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// Memory holds node memory usage in bytes.
type Memory struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

// CPU holds node cpu load.
type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats holds audio frame counters for the last minute.
type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

// Stats is a node load report.
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`
}

// EventType identifies a player event.
type EventType string

const (
	EventTrackStart      EventType = "TrackStartEvent"
	EventTrackEnd        EventType = "TrackEndEvent"
	EventTrackException  EventType = "TrackExceptionEvent"
	EventTrackStuck      EventType = "TrackStuckEvent"
	EventWebSocketClosed EventType = "WebSocketClosedEvent"
)

// EndReason is why a track ended.
type EndReason string

const (
	EndReasonFinished   EndReason = "finished"
	EndReasonLoadFailed EndReason = "loadFailed"
	EndReasonStopped    EndReason = "stopped"
	EndReasonReplaced   EndReason = "replaced"
	EndReasonCleanup    EndReason = "cleanup"
)

// TrackEvent is a player event delivered over the socket.
type TrackEvent struct {
	Type        EventType        `json:"type"`
	GuildID     string           `json:"guildId"`
	Track       *track.Track     `json:"track,omitempty"`
	Reason      EndReason        `json:"reason,omitempty"`      // TrackEndEvent; close reason text for WebSocketClosedEvent
	Exception   *track.Exception `json:"exception,omitempty"`   // TrackExceptionEvent
	ThresholdMs int64            `json:"thresholdMs,omitempty"` // TrackStuckEvent
	Code        int              `json:"code,omitempty"`        // WebSocketClosedEvent
	ByRemote    bool             `json:"byRemote,omitempty"`    // WebSocketClosedEvent
}

// VoiceState is the voice payload of a player update.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
	ChannelID string `json:"channelId,omitempty"`
}

// TrackUpdate selects the track of a player update. A nil Encoded stops playback.
type TrackUpdate struct {
	Encoded  *string        `json:"encoded"`
	UserData map[string]any `json:"userData,omitempty"`
}

// PlayerUpdateRequest is the body of a player update. Nil fields are left untouched.
type PlayerUpdateRequest struct {
	Track    *TrackUpdate    `json:"track,omitempty"`
	Position *int64          `json:"position,omitempty"`
	EndTime  *int64          `json:"endTime,omitempty"`
	Volume   *int            `json:"volume,omitempty"`
	Paused   *bool           `json:"paused,omitempty"`
	Filters  json.RawMessage `json:"filters,omitempty"`
	Voice    *VoiceState     `json:"voice,omitempty"`
}

// PlayTrack returns a track update for the given track.
func PlayTrack(t track.Track) *TrackUpdate {
	encoded := t.Encoded
	return &TrackUpdate{Encoded: &encoded, UserData: t.UserData}
}

// StopTrack returns a track update that stops playback.
func StopTrack() *TrackUpdate {
	return &TrackUpdate{}
}

// Player is a node side player.
type Player struct {
	GuildID string          `json:"guildId"`
	Track   *track.Track    `json:"track"`
	Volume  int             `json:"volume"`
	Paused  bool            `json:"paused"`
	State   PlayerState     `json:"state"`
	Voice   VoiceState      `json:"voice"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

// SessionUpdate configures resuming for a session.
type SessionUpdate struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"` // Seconds
}

// Info describes a node's version and capabilities.
type Info struct {
	Version struct {
		Semver string `json:"semver"`
		Major  int    `json:"major"`
		Minor  int    `json:"minor"`
		Patch  int    `json:"patch"`
	} `json:"version"`
	BuildTime      int64    `json:"buildTime"`
	JVM            string   `json:"jvm"`
	Lavaplayer     string   `json:"lavaplayer"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"plugins"`
}

// HasSource reports whether the node can load from the given source manager.
func (i *Info) HasSource(name string) bool {
	for _, s := range i.SourceManagers {
		if s == name {
			return true
		}
	}
	return false
}

type loadResponse struct {
	LoadType track.LoadType  `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type playlistData struct {
	Info       playlist.Info  `json:"info"`
	PluginInfo map[string]any `json:"pluginInfo"`
	Tracks     []track.Track  `json:"tracks"`
}

type errorResponse struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}
