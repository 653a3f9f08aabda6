package connect

import (
	"encoding/json"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/voxlink/internal/domain/playlist"
	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// Empty is the request or response of procedures without a payload.
type Empty struct{}

// GuildRequest addresses the session of one guild.
type GuildRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
}

// CreateSessionRequest starts a session.
type CreateSessionRequest struct {
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id,omitempty"`
	Region    string       `json:"region,omitempty"`
	Node      string       `json:"node,omitempty"`
	SelfDeaf  bool         `json:"self_deaf,omitempty"`
}

// SessionInfo is the read model of a session.
type SessionInfo struct {
	GuildID        snowflake.ID `json:"guild_id"`
	ChannelID      snowflake.ID `json:"channel_id,omitempty"`
	Region         string       `json:"region,omitempty"`
	Node           string       `json:"node"`
	CreatedAt      time.Time    `json:"created_at"`
	Current        *track.Track `json:"current,omitempty"`
	QueueLength    int          `json:"queue_length"`
	Loop           string       `json:"loop"`
	Autoplay       bool         `json:"autoplay"`
	Volume         int          `json:"volume"`
	Paused         bool         `json:"paused"`
	PositionMs     int64        `json:"position_ms"`
	PingMs         int64        `json:"ping_ms"`
	VoiceConnected bool         `json:"voice_connected"`
}

// SessionResponse carries one session.
type SessionResponse struct {
	Session SessionInfo `json:"session"`
}

// ListSessionsResponse carries every session.
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// MoveSessionRequest moves a session to another node.
type MoveSessionRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	Node    string       `json:"node"`
}

// PlayRequest plays a track right away. Identifier is loaded on the session's node
// unless Encoded is set.
type PlayRequest struct {
	GuildID    snowflake.ID `json:"guild_id"`
	Identifier string       `json:"identifier,omitempty"`
	Encoded    string       `json:"encoded,omitempty"`
	Requester  string       `json:"requester,omitempty"`
	StartMs    int64        `json:"start_ms,omitempty"`
	EndMs      int64        `json:"end_ms,omitempty"`
	NoReplace  bool         `json:"no_replace,omitempty"`
}

// TrackResponse carries one track.
type TrackResponse struct {
	Track *track.Track `json:"track,omitempty"`
}

// PauseRequest sets the pause state.
type PauseRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	Paused  bool         `json:"paused"`
}

// SeekRequest seeks the current track.
type SeekRequest struct {
	GuildID    snowflake.ID `json:"guild_id"`
	PositionMs int64        `json:"position_ms"`
}

// VolumeRequest sets the volume, 0..100.
type VolumeRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	Volume  int          `json:"volume"`
}

// LoopRequest sets the loop mode: off, track or queue.
type LoopRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	Mode    string       `json:"mode"`
}

// AutoplayRequest toggles autoplay.
type AutoplayRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	Enabled bool         `json:"enabled"`
}

// FiltersRequest replaces the node side audio filters.
type FiltersRequest struct {
	GuildID snowflake.ID    `json:"guild_id"`
	Filters json.RawMessage `json:"filters"`
}

// PreviousResponse reports whether a previous track was played.
type PreviousResponse struct {
	Played bool `json:"played"`
}

// EnqueueRequest loads an identifier and appends the accepted tracks to the queue.
type EnqueueRequest struct {
	GuildID    snowflake.ID `json:"guild_id"`
	Identifier string       `json:"identifier"`
	Requester  string       `json:"requester,omitempty"`
	PlayIfIdle bool         `json:"play_if_idle,omitempty"`
}

// RejectedTrack is a track a filter refused.
type RejectedTrack struct {
	Track track.Track `json:"track"`
	Code  string      `json:"code"`
}

// EnqueueResponse reports the outcome of an enqueue.
type EnqueueResponse struct {
	Added       []track.Track   `json:"added"`
	Rejected    []RejectedTrack `json:"rejected,omitempty"`
	Playlist    string          `json:"playlist,omitempty"`
	QueueLength int             `json:"queue_length"`
	Started     bool            `json:"started"`
}

// RemoveTrackRequest removes a queue entry.
type RemoveTrackRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	Index   int          `json:"index"`
}

// MoveTrackRequest moves a queue entry.
type MoveTrackRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	From    int          `json:"from"`
	To      int          `json:"to"`
}

// QueueResponse carries the current track, the queue and the history.
type QueueResponse struct {
	Current *track.Track  `json:"current,omitempty"`
	Queue   []track.Track `json:"queue"`
	History []track.Track `json:"history,omitempty"`
}

// CountResponse carries a count.
type CountResponse struct {
	Count int `json:"count"`
}

// SaveQueueResponse carries a saved queue blob.
type SaveQueueResponse struct {
	Blob string `json:"blob"`
}

// RestoreQueueRequest restores a saved queue blob.
type RestoreQueueRequest struct {
	GuildID snowflake.ID `json:"guild_id"`
	Blob    string       `json:"blob"`
}

// LoadTracksRequest loads or searches tracks. Node pins the node, otherwise the best
// node for Region is used.
type LoadTracksRequest struct {
	Identifier string `json:"identifier"`
	Node       string `json:"node,omitempty"`
	Region     string `json:"region,omitempty"`
}

// LoadTracksResponse is a classified load result.
type LoadTracksResponse struct {
	LoadType  track.LoadType   `json:"load_type"`
	Tracks    []track.Track    `json:"tracks,omitempty"`
	Playlist  *playlist.Info   `json:"playlist,omitempty"`
	Exception *track.Exception `json:"exception,omitempty"`
	Node      string           `json:"node"`
}

// VoiceServerRequest forwards a voice server fragment.
type VoiceServerRequest struct {
	GuildID  snowflake.ID `json:"guild_id"`
	Token    string       `json:"token"`
	Endpoint string       `json:"endpoint"`
}

// VoiceStateRequest forwards a voice state fragment.
type VoiceStateRequest struct {
	GuildID   snowflake.ID `json:"guild_id"`
	UserID    snowflake.ID `json:"user_id,omitempty"`
	SessionID string       `json:"session_id"`
	ChannelID snowflake.ID `json:"channel_id,omitempty"`
}

// AddNodeRequest registers a node. Connection timings come from the server configuration.
type AddNodeRequest struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	Region   string `json:"region,omitempty"`
}

// NodeRequest addresses a node by name.
type NodeRequest struct {
	Name string `json:"name"`
}

// SelectNodeRequest asks for the best node of a region.
type SelectNodeRequest struct {
	Region string `json:"region,omitempty"`
}

// NodeInfo is the read model of a node. Penalty is -1 for nodes that cannot be selected.
type NodeInfo struct {
	Name           string  `json:"name"`
	Region         string  `json:"region,omitempty"`
	State          string  `json:"state"`
	SessionID      string  `json:"session_id,omitempty"`
	Resumed        bool    `json:"resumed"`
	Attempts       int     `json:"attempts"`
	Penalty        float64 `json:"penalty"`
	Players        int     `json:"players"`
	PlayingPlayers int     `json:"playing_players"`
	Sessions       int     `json:"sessions"`
}

// NodeResponse carries one node.
type NodeResponse struct {
	Node NodeInfo `json:"node"`
}

// ListNodesResponse carries every node in insertion order.
type ListNodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

// RemoveNodeResponse reports how many sessions were moved off the removed node.
type RemoveNodeResponse struct {
	Moved int `json:"moved"`
}

// NodeHealth is one node's health probe outcome.
type NodeHealth struct {
	Name    string         `json:"name"`
	Region  string         `json:"region,omitempty"`
	State   string         `json:"state"`
	Healthy bool           `json:"healthy"`
	Penalty float64        `json:"penalty"`
	Error   string         `json:"error,omitempty"`
	Stats   *backend.Stats `json:"stats,omitempty"`
}

// HealthCheckResponse carries every node's health.
type HealthCheckResponse struct {
	Nodes []NodeHealth `json:"nodes"`
}

// StatsResponse aggregates node load and local counters.
type StatsResponse struct {
	Nodes          int `json:"nodes"`
	Connected      int `json:"connected"`
	Players        int `json:"players"`
	PlayingPlayers int `json:"playing_players"`
	Sessions       int `json:"sessions"`
	Subscribers    int `json:"subscribers"`
}

// SubscribeRequest opens an event stream. A zero guild id receives every guild.
type SubscribeRequest struct {
	GuildID snowflake.ID `json:"guild_id,omitempty"`
}
