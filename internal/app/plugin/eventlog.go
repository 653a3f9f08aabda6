package plugin

import (
	"context"
	"sync"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/player"
)

// EventLog logs every player event and counts them by type.
type EventLog struct {
	mu     sync.Mutex
	counts map[player.EventType]int
}

// NewEventLog creates an EventLog plugin.
func NewEventLog() *EventLog {
	return &EventLog{counts: make(map[player.EventType]int)}
}

func (l *EventLog) Name() string { return "eventlog" }

func (l *EventLog) OnLoad(context.Context) error { return nil }

func (l *EventLog) OnUnload(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	zlog.Info().Msgf("eventlog: totals: %v", l.counts)
	return nil
}

func (l *EventLog) OnEvent(_ context.Context, ev player.Event) {
	l.mu.Lock()
	l.counts[ev.Type]++
	l.mu.Unlock()

	title := ""
	if ev.Track != nil {
		title = ev.Track.Info.Title
	}
	switch ev.Type {
	case player.EventTrackException, player.EventTrackStuck, player.EventSocketClosed:
		zlog.Warn().Msgf("eventlog: %s: guild=%s node=%s track=%s message=%s code=%d", ev.Type, ev.GuildID, ev.Node, title, ev.Message, ev.Code)
	default:
		zlog.Info().Msgf("eventlog: %s: guild=%s node=%s track=%s reason=%s", ev.Type, ev.GuildID, ev.Node, title, ev.Reason)
	}
}

// Count returns how many events of type t were seen.
func (l *EventLog) Count(t player.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[t]
}
