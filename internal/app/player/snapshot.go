package player

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
)

const savedQueueVersion = 1

// Status is a read model of a player.
type Status struct {
	GuildID        snowflake.ID
	Node           string
	Current        *track.Track
	Queue          []track.Track
	History        []track.Track
	Loop           LoopMode
	Autoplay       bool
	Volume         int
	Paused         bool
	Position       time.Duration
	Ping           time.Duration
	VoiceConnected bool
	Destroyed      bool
}

// Status returns a consistent copy of the player state.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		GuildID:        p.guildID,
		Node:           p.Backend().Name(),
		Current:        p.currentCopyLocked(),
		Queue:          append([]track.Track(nil), p.queue...),
		History:        append([]track.Track(nil), p.history...),
		Loop:           p.loop,
		Autoplay:       p.autoplay,
		Volume:         p.volume,
		Paused:         p.paused,
		Position:       p.position,
		Ping:           p.ping,
		VoiceConnected: p.voiceConnected,
		Destroyed:      p.destroyed,
	}
}

// savedQueue is the serialized form behind SaveQueue and RestoreQueue.
type savedQueue struct {
	Version  int           `json:"v"`
	Queue    []track.Track `json:"queue"`
	Current  *track.Track  `json:"current,omitempty"`
	Position int64         `json:"position"` // Milliseconds
	Volume   int           `json:"volume"`
	Loop     LoopMode      `json:"loop"`
	Paused   bool          `json:"paused"`
}

// SaveQueue serializes the queue, current track, position, volume, loop mode and
// pause flag into an opaque text blob.
func (p *Player) SaveQueue() (string, error) {
	p.mu.Lock()
	saved := savedQueue{
		Version:  savedQueueVersion,
		Queue:    append([]track.Track{}, p.queue...),
		Current:  p.currentCopyLocked(),
		Position: p.position.Milliseconds(),
		Volume:   p.volume,
		Loop:     p.loop,
		Paused:   p.paused,
	}
	p.mu.Unlock()

	data, err := json.Marshal(saved)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode queue")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// RestoreQueue applies a blob produced by SaveQueue. A malformed blob fails with
// ErrRestoreFailed and leaves the player untouched. The saved current track is
// replayed at its saved position before the queue and loop mode are replaced, so a
// node failure also leaves the player untouched.
func (p *Player) RestoreQueue(ctx context.Context, blob string) error {
	saved, err := decodeSavedQueue(blob)
	if err != nil {
		return errors.Mark(err, ErrRestoreFailed)
	}

	if saved.Current != nil {
		err = p.Play(ctx, PlayOptions{
			Track:     saved.Current,
			StartTime: time.Duration(saved.Position) * time.Millisecond,
			Volume:    &saved.Volume,
			Paused:    &saved.Paused,
		})
	} else {
		err = p.applyIdleState(ctx, saved.Volume, saved.Paused)
	}
	if err != nil {
		return errors.Wrap(err, "failed to restore playback")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = saved.Queue
	p.loop = saved.Loop
	p.volume = saved.Volume
	p.sendEventLocked(Event{Type: EventStateChanged, Track: p.currentCopyLocked()})
	return nil
}

func (p *Player) applyIdleState(ctx context.Context, volume int, paused bool) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	b := p.Backend()
	p.mu.Unlock()

	scaled := volume * volumeScale
	if _, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Volume: &scaled, Paused: &paused}, false); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
	return nil
}

func decodeSavedQueue(blob string) (*savedQueue, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errors.Wrap(err, "invalid encoding")
	}
	var saved savedQueue
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, errors.Wrap(err, "invalid payload")
	}
	if saved.Version != savedQueueVersion {
		return nil, errors.Newf("unsupported version %d", saved.Version)
	}
	if !validVolume(saved.Volume) {
		return nil, errors.Newf("volume %d out of range", saved.Volume)
	}
	if saved.Position < 0 {
		return nil, errors.Newf("negative position %d", saved.Position)
	}
	for i, t := range saved.Queue {
		if t.Encoded == "" {
			return nil, errors.Newf("queue entry %d has no encoded track", i)
		}
	}
	if saved.Current != nil {
		if saved.Current.Encoded == "" {
			return nil, errors.New("current track has no encoded track")
		}
		if length := saved.Current.Info.Length; length > 0 && !saved.Current.Info.IsStream && saved.Position > length {
			return nil, errors.Newf("position %d beyond track length %d", saved.Position, length)
		}
	}
	if saved.Queue == nil {
		saved.Queue = []track.Track{}
	}
	return &saved, nil
}
