package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/notification"
	"github.com/osa030/voxlink/internal/app/player"
)

// VoiceGateway asks the host platform to move the client user in or out of a
// voice channel. The host answers with voice server and voice state updates.
type VoiceGateway interface {
	JoinChannel(ctx context.Context, guildID, channelID snowflake.ID, selfDeaf bool) error
	LeaveChannel(ctx context.Context, guildID snowflake.ID) error
}

// Session is one guild's playback session.
type Session struct {
	GuildID   snowflake.ID
	Region    string
	CreatedAt time.Time
	Player    *player.Player

	channelID atomic.Uint64
}

// ChannelID returns the voice channel the client user was last seen in.
func (s *Session) ChannelID() snowflake.ID {
	return snowflake.ID(s.channelID.Load())
}

// CreateOptions configures Manager.Create.
type CreateOptions struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Region    string // Node region hint, falls back to the manager default
	Node      string // Pin the session to a node instead of selecting one
	SelfDeaf  bool
}

// NotifyingGateway is the gateway used when the host adapter lives in another process.
// Join and leave requests are published as notifications for the adapter to act on.
type NotifyingGateway struct {
	notifier *notification.Manager
}

// NewNotifyingGateway creates a gateway publishing through notifier.
func NewNotifyingGateway(notifier *notification.Manager) *NotifyingGateway {
	return &NotifyingGateway{notifier: notifier}
}

// JoinChannel publishes a voice_join notification.
func (g *NotifyingGateway) JoinChannel(_ context.Context, guildID, channelID snowflake.ID, selfDeaf bool) error {
	msg := ""
	if selfDeaf {
		msg = "self_deaf"
	}
	g.notifier.Broadcast(&notification.Notification{
		Type:      notification.TypeVoiceJoin,
		GuildID:   guildID,
		ChannelID: channelID,
		Message:   msg,
	})
	zlog.Debug().Msgf("session: voice join requested: guild=%s channel=%s", guildID, channelID)
	return nil
}

// LeaveChannel publishes a voice_leave notification.
func (g *NotifyingGateway) LeaveChannel(_ context.Context, guildID snowflake.ID) error {
	g.notifier.Broadcast(&notification.Notification{
		Type:    notification.TypeVoiceLeave,
		GuildID: guildID,
	})
	zlog.Debug().Msgf("session: voice leave requested: guild=%s", guildID)
	return nil
}
