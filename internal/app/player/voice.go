package player

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/voice"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// UpdateVoiceServer merges a voice-server fragment and forwards the voice state once complete.
func (p *Player) UpdateVoiceServer(ctx context.Context, token, endpoint string) error {
	p.mu.Lock()
	changed := p.voice.MergeServer(token, endpoint)
	p.mu.Unlock()
	return p.forwardVoice(ctx, changed)
}

// UpdateVoiceState merges a voice-state fragment and forwards the voice state once complete.
// A zero channel marks the client as out of the channel and forwards nothing.
func (p *Player) UpdateVoiceState(ctx context.Context, sessionID string, channelID snowflake.ID) error {
	p.mu.Lock()
	changed := p.voice.MergeState(sessionID, channelID)
	left := channelID == 0
	if left {
		p.voiceConnected = false
	}
	p.mu.Unlock()
	if left {
		return nil
	}
	return p.forwardVoice(ctx, changed)
}

// Voice returns the collected voice fragments.
func (p *Player) Voice() voice.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice
}

// VoiceConnected reports whether a complete voice state was accepted by the node.
func (p *Player) VoiceConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voiceConnected
}

func (p *Player) forwardVoice(ctx context.Context, changed bool) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if !p.voice.Complete() || (!changed && p.voiceConnected) {
		p.mu.Unlock()
		return nil
	}
	state := p.voiceStateLocked()
	b := p.Backend()
	p.mu.Unlock()

	if _, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Voice: state}, false); err != nil {
		return errors.Wrap(err, "failed to forward voice state")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.voiceConnected = true
	p.sendEventLocked(Event{Type: EventVoiceConnected})
	zlog.Debug().Msgf("player: voice forwarded: guild=%s node=%s channel=%s", p.guildID, b.Name(), state.ChannelID)
	return nil
}

func (p *Player) voiceStateLocked() *backend.VoiceState {
	return &backend.VoiceState{
		Token:     p.voice.Token,
		Endpoint:  p.voice.Endpoint,
		SessionID: p.voice.SessionID,
		ChannelID: channelString(p.voice.ChannelID),
	}
}

func channelString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
