package player

import (
	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// EventType represents a player event type.
type EventType int

const (
	EventTrackStarted   EventType = iota // Node started a track
	EventTrackEnded                      // Node ended a track, Reason says why
	EventTrackException                  // Track failed while playing
	EventTrackStuck                      // Track stopped producing audio
	EventQueueExhausted                  // Nothing left to play after a natural end
	EventStateChanged                    // Pause, stop, seek, volume, loop or filters changed
	EventVoiceConnected                  // Voice credentials were forwarded to the node
	EventSocketClosed                    // Node lost its voice connection
	EventMoved                           // Player moved to another node
	EventDestroyed                       // Player destroyed, the channel closes after this
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventTrackException:
		return "track_exception"
	case EventTrackStuck:
		return "track_stuck"
	case EventQueueExhausted:
		return "queue_exhausted"
	case EventStateChanged:
		return "state_changed"
	case EventVoiceConnected:
		return "voice_connected"
	case EventSocketClosed:
		return "socket_closed"
	case EventMoved:
		return "moved"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event represents a player event.
type Event struct {
	Type    EventType
	GuildID snowflake.ID
	Track   *track.Track      // Track concerned, nil for some events
	Reason  backend.EndReason // EventTrackEnded only
	Message string            // Exception message, stuck threshold or close reason
	Code    int               // EventSocketClosed only
	Node    string            // Node the player is bound to after the event
}
