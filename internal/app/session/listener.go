package session

import (
	"context"

	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/notification"
	"github.com/osa030/voxlink/internal/infra/backend"
)

var _ backend.Listener = (*Manager)(nil)

// OnReady recreates the players of a node that came back without resuming.
func (m *Manager) OnReady(n *backend.Node, ready backend.Ready) {
	if ready.Resumed {
		zlog.Info().Msgf("session: node resumed: node=%s", n.Name())
		return
	}
	for _, s := range m.bound(n.Name()) {
		go func() {
			ctx, cancel := context.WithTimeout(m.ctx, failoverTimeout)
			defer cancel()
			if err := s.Player.Resync(ctx); err != nil {
				zlog.Warn().Err(err).Msgf("session: resync failed: guild=%s node=%s", s.GuildID, n.Name())
			}
		}()
	}
}

// OnPlayerUpdate applies a state report if the player is still bound to the reporting node.
func (m *Manager) OnPlayerUpdate(n *backend.Node, update backend.PlayerUpdate) {
	s := m.route(n, update.GuildID)
	if s == nil {
		return
	}
	s.Player.HandlePlayerUpdate(update.State)
}

// OnTrackEvent delivers a node event if the player is still bound to the sending node.
func (m *Manager) OnTrackEvent(n *backend.Node, ev backend.TrackEvent) {
	s := m.route(n, ev.GuildID)
	if s == nil {
		return
	}
	s.Player.Deliver(ev)
}

// OnStateChange publishes node transitions. Players of a node that went down for
// good are moved to the best remaining node.
func (m *Manager) OnStateChange(n *backend.Node, from, to backend.State, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.broadcast(&notification.Notification{
		Type:    notification.TypeNodeState,
		Node:    n.Name(),
		Reason:  to.String(),
		Message: msg,
	})
	if to != backend.StateDisconnected || m.ctx.Err() != nil {
		return
	}
	go m.failover(n.Name())
}

func (m *Manager) failover(nodeName string) {
	ctx, cancel := context.WithTimeout(m.ctx, failoverTimeout)
	defer cancel()

	moved, err := m.Drain(ctx, nodeName)
	if err != nil {
		zlog.Error().Err(err).Msgf("session: failover incomplete: node=%s moved=%d", nodeName, moved)
		return
	}
	if moved > 0 {
		zlog.Info().Msgf("session: failover done: node=%s moved=%d", nodeName, moved)
	}
}

// route finds the session addressed by a node message. Messages from a node the
// player has moved away from are dropped.
func (m *Manager) route(n *backend.Node, rawGuildID string) *Session {
	guildID, err := snowflake.Parse(rawGuildID)
	if err != nil {
		zlog.Debug().Msgf("session: invalid guild id from node: node=%s guild=%q", n.Name(), rawGuildID)
		return nil
	}
	m.mu.RLock()
	s, ok := m.sessions[guildID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if s.Player.Node() != n.Name() {
		zlog.Debug().Msgf("session: dropping message from stale node: guild=%s node=%s bound=%s", guildID, n.Name(), s.Player.Node())
		return nil
	}
	return s
}
