package player

import (
	"context"
	"strconv"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// Deliver queues a node event for the player's event loop. Events of one player
// are handled one at a time, in delivery order.
func (p *Player) Deliver(ev backend.TrackEvent) {
	select {
	case p.inbox <- ev:
	case <-p.ctx.Done():
	}
}

func (p *Player) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.inbox:
			p.HandleTrackEvent(p.ctx, ev)
		}
	}
}

// HandleTrackEvent applies a node event synchronously.
func (p *Player) HandleTrackEvent(ctx context.Context, ev backend.TrackEvent) {
	switch ev.Type {
	case backend.EventTrackStart:
		p.mu.Lock()
		t := ev.Track
		if t == nil {
			t = p.currentCopyLocked()
		}
		p.sendEventLocked(Event{Type: EventTrackStarted, Track: t})
		p.mu.Unlock()

	case backend.EventTrackEnd:
		ended, ok := p.endedTrack(ev)
		if !ok {
			return
		}
		p.handleTrackEnd(ctx, ended, ev.Reason)

	case backend.EventTrackException:
		msg := ""
		if ev.Exception != nil {
			msg = ev.Exception.Message
		}
		zlog.Warn().Msgf("player: track exception: guild=%s message=%s", p.guildID, msg)
		p.mu.Lock()
		p.sendEventLocked(Event{Type: EventTrackException, Track: p.eventTrackLocked(ev), Message: msg})
		p.mu.Unlock()

	case backend.EventTrackStuck:
		zlog.Warn().Msgf("player: track stuck: guild=%s threshold=%dms", p.guildID, ev.ThresholdMs)
		p.mu.Lock()
		p.sendEventLocked(Event{Type: EventTrackStuck, Track: p.eventTrackLocked(ev), Message: strconv.FormatInt(ev.ThresholdMs, 10) + "ms"})
		p.mu.Unlock()

	case backend.EventWebSocketClosed:
		zlog.Warn().Msgf("player: voice socket closed: guild=%s code=%d reason=%s remote=%v", p.guildID, ev.Code, ev.Reason, ev.ByRemote)
		p.mu.Lock()
		p.voiceConnected = false
		p.sendEventLocked(Event{Type: EventSocketClosed, Code: ev.Code, Message: string(ev.Reason)})
		p.mu.Unlock()

	default:
		zlog.Debug().Msgf("player: ignoring event: guild=%s type=%s", p.guildID, ev.Type)
	}
}

func (p *Player) endedTrack(ev backend.TrackEvent) (track.Track, bool) {
	if ev.Track != nil {
		return *ev.Track, true
	}
	return p.Current()
}

func (p *Player) eventTrackLocked(ev backend.TrackEvent) *track.Track {
	if ev.Track != nil {
		t := *ev.Track
		return &t
	}
	return p.currentCopyLocked()
}

// handleTrackEnd runs the end-of-track decision table.
func (p *Player) handleTrackEnd(ctx context.Context, ended track.Track, reason backend.EndReason) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}

	p.history = pushBounded(p.history, ended, p.cfg.HistorySize)
	p.previous = pushBounded(p.previous, ended, p.cfg.PreviousSize)
	p.sendEventLocked(Event{Type: EventTrackEnded, Track: &ended, Reason: reason})

	finished := reason == backend.EndReasonFinished
	if finished && p.loop == LoopTrack {
		p.mu.Unlock()
		if err := p.Play(ctx, PlayOptions{Track: &ended}); err != nil {
			zlog.Warn().Err(err).Msgf("player: failed to replay looped track: guild=%s track=%s", p.guildID, ended.Info.Title)
		}
		return
	}
	if finished && p.loop == LoopQueue {
		p.queue = append(p.queue, ended)
	}

	// A replacing track may already be current; only the ended one is cleared.
	if p.current != nil && p.current.Same(ended) {
		p.clearCurrentLocked()
	}
	// Something else started in the meantime, e.g. the replacing track.
	if p.current != nil {
		p.mu.Unlock()
		return
	}

	queued := len(p.queue) > 0
	autoplayer := p.cfg.Autoplayer
	useAutoplay := p.autoplay && autoplayer != nil
	p.mu.Unlock()

	if finished && queued {
		if err := p.Play(ctx, PlayOptions{}); err != nil {
			zlog.Warn().Err(err).Msgf("player: failed to play next track: guild=%s", p.guildID)
		}
		return
	}

	if finished && !queued && useAutoplay {
		if autoplayer.Autoplay(ctx, p, ended) {
			return
		}
		zlog.Debug().Msgf("player: autoplay found nothing: guild=%s track=%s", p.guildID, ended.Info.Title)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 && p.current == nil {
		p.sendEventLocked(Event{Type: EventQueueExhausted, Track: &ended})
	}
}
