package notification

import (
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/voxlink/internal/app/player"
	"github.com/osa030/voxlink/internal/domain/track"
)

// Types beyond the player event names.
const (
	TypeVoiceJoin   = "voice_join"
	TypeVoiceLeave  = "voice_leave"
	TypeNodeState   = "node_state"
	TypeSessionNew  = "session_created"
	TypeSessionGone = "session_destroyed"
	TypeSubscribed  = "subscribed"
)

// Notification is a single event delivered to subscribers.
type Notification struct {
	SequenceNo uint64       `json:"sequence_no"`
	Type       string       `json:"type"`
	GuildID    snowflake.ID `json:"guild_id,omitempty"`
	ChannelID  snowflake.ID `json:"channel_id,omitempty"`
	Node       string       `json:"node,omitempty"`
	Track      *track.Track `json:"track,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Message    string       `json:"message,omitempty"`
	Code       int          `json:"code,omitempty"`
	Time       time.Time    `json:"time"`
}

// FromPlayerEvent converts a player event into a notification.
func FromPlayerEvent(ev player.Event) *Notification {
	return &Notification{
		Type:    ev.Type.String(),
		GuildID: ev.GuildID,
		Node:    ev.Node,
		Track:   ev.Track,
		Reason:  string(ev.Reason),
		Message: ev.Message,
		Code:    ev.Code,
	}
}
