// Package player provides the per-guild playback state machine bound to one audio node.
package player

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/domain/voice"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// Errors
var (
	ErrEmptyQueue    = errors.New("queue is empty")
	ErrOutOfBounds   = errors.New("position out of bounds")
	ErrInvalidVolume = errors.New("volume out of range")
	ErrRestoreFailed = errors.New("restore failed")
	ErrNoTrack       = errors.New("no track playing")
	ErrNotSeekable   = errors.New("track is not seekable")
	ErrDestroyed     = errors.New("player destroyed")
	ErrMoveConflict  = errors.New("player moved concurrently")
)

const (
	MinVolume = 0
	MaxVolume = 100

	// Node volume is 0..1000 for the 0..100 range exposed here.
	volumeScale = 10
	eventBuffer = 64
	inboxBuffer = 64
)

// Backend is the node surface a player issues commands to. *backend.Node implements it.
type Backend interface {
	Name() string
	UpdatePlayer(ctx context.Context, guildID snowflake.ID, req backend.PlayerUpdateRequest, noReplace bool) (*backend.Player, error)
	DestroyPlayer(ctx context.Context, guildID snowflake.ID) error
	LoadTracks(ctx context.Context, identifier string) (*track.LoadResult, error)
}

// Autoplayer picks and starts a related track once the queue ran dry.
// It reports whether a new track was started.
type Autoplayer interface {
	Autoplay(ctx context.Context, p *Player, ended track.Track) bool
}

// Config holds player configuration.
type Config struct {
	HistorySize    int           // Finished tracks kept, oldest evicted
	PreviousSize   int           // Back-navigation entries kept, oldest evicted
	TickInterval   time.Duration // Local position advance period
	DefaultVolume  int           // Volume of a new player, 0..100
	DestroyTimeout time.Duration // Bound on the stop and delete calls of Destroy
	Autoplay       bool          // Autoplay flag of a new player
	Autoplayer     Autoplayer    // Engine used when autoplay is on, may be nil
}

func (c *Config) applyDefaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.PreviousSize <= 0 {
		c.PreviousSize = 10
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultVolume <= 0 || c.DefaultVolume > MaxVolume {
		c.DefaultVolume = MaxVolume
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = 5 * time.Second
	}
}

// PlayOptions configures Play.
type PlayOptions struct {
	Track     *track.Track  // Track to play; nil dequeues the head of the queue
	StartTime time.Duration // Start offset
	EndTime   time.Duration // End offset, 0 plays to the end
	NoReplace bool          // Leave a track the node is already playing alone
	Volume    *int          // Volume to apply with the track, 0..100
	Paused    *bool         // Pause state to apply with the track
}

type binding struct {
	backend Backend
}

// Player manages playback of one guild.
type Player struct {
	guildID snowflake.ID
	cfg     Config
	binding atomic.Pointer[binding]

	mu sync.Mutex

	// Track state
	current  *track.Track
	queue    []track.Track
	history  []track.Track
	previous []track.Track
	loop     LoopMode
	autoplay bool

	// Numeric state
	volume   int
	paused   bool
	position time.Duration
	ping     time.Duration
	filters  json.RawMessage

	// Voice
	voice          voice.State
	voiceConnected bool

	// Track commands complete out of order; only the latest issued one may apply.
	seq        uint64
	appliedSeq uint64
	// Volume commands are ordered the same way, independent of track commands.
	volumeSeq        uint64
	appliedVolumeSeq uint64

	tickCancel func()
	destroyed  bool

	// Events
	eventCh chan Event
	inbox   chan backend.TrackEvent

	// Context
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a player bound to b and starts its event loop.
func New(guildID snowflake.ID, b Backend, cfg Config) *Player {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		guildID:  guildID,
		cfg:      cfg,
		volume:   cfg.DefaultVolume,
		autoplay: cfg.Autoplay,
		eventCh:  make(chan Event, eventBuffer),
		inbox:    make(chan backend.TrackEvent, inboxBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.binding.Store(&binding{backend: b})
	go p.run()
	return p
}

// GuildID returns the guild the player serves.
func (p *Player) GuildID() snowflake.ID { return p.guildID }

// Backend returns the node the player is bound to.
func (p *Player) Backend() Backend { return p.binding.Load().backend }

// Node returns the name of the bound node.
func (p *Player) Node() string { return p.Backend().Name() }

// Events returns the event channel. It is closed after EventDestroyed.
func (p *Player) Events() <-chan Event {
	return p.eventCh
}

// Destroyed reports whether Destroy was called.
func (p *Player) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Play starts a track. Without an explicit track the head of the queue is played,
// and put back if the node rejects the update.
func (p *Player) Play(ctx context.Context, opts PlayOptions) error {
	if opts.Volume != nil && !validVolume(*opts.Volume) {
		return errors.Wrapf(ErrInvalidVolume, "volume %d", *opts.Volume)
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	var t track.Track
	dequeued := false
	if opts.Track != nil {
		t = *opts.Track
	} else {
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return ErrEmptyQueue
		}
		t = p.queue[0]
		p.queue = p.queue[1:]
		dequeued = true
	}
	seq := p.nextSeqLocked()
	b := p.Backend()
	p.mu.Unlock()

	req := backend.PlayerUpdateRequest{Track: backend.PlayTrack(t)}
	if opts.StartTime > 0 {
		req.Position = millis(opts.StartTime)
	}
	if opts.EndTime > 0 {
		req.EndTime = millis(opts.EndTime)
	}
	if opts.Volume != nil {
		v := *opts.Volume * volumeScale
		req.Volume = &v
	}
	req.Paused = opts.Paused

	resp, err := b.UpdatePlayer(ctx, p.guildID, req, opts.NoReplace)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if dequeued {
			p.queue = append([]track.Track{t}, p.queue...)
		}
		return errors.Wrapf(err, "failed to play %q", t.Info.Title)
	}
	if p.destroyed {
		return ErrDestroyed
	}
	if opts.NoReplace && resp != nil && resp.Track != nil && !resp.Track.Same(t) {
		zlog.Debug().Msgf("player: node kept its track: guild=%s track=%s", p.guildID, resp.Track.Info.Title)
		if dequeued {
			p.queue = append([]track.Track{t}, p.queue...)
		}
		return nil
	}
	if !p.applyLocked(seq) {
		zlog.Debug().Msgf("player: discarding superseded play: guild=%s track=%s", p.guildID, t.Info.Title)
		if dequeued {
			p.queue = append([]track.Track{t}, p.queue...)
		}
		return nil
	}

	p.current = &t
	p.position = opts.StartTime
	if opts.Volume != nil {
		p.volume = *opts.Volume
	}
	if opts.Paused != nil {
		p.paused = *opts.Paused
	}
	p.startTickLocked()

	zlog.Debug().Msgf("player: playing: guild=%s node=%s track=%s", p.guildID, b.Name(), t.Info.Title)
	return nil
}

// Pause pauses or resumes playback. The local flag changes at once and is rolled
// back if the node rejects the update.
func (p *Player) Pause(ctx context.Context, paused bool) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	prev := p.paused
	p.setPausedLocked(paused)
	b := p.Backend()
	p.mu.Unlock()

	_, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Paused: &paused}, false)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if p.paused == paused {
			p.setPausedLocked(prev)
		}
		return errors.Wrap(err, "failed to update pause state")
	}
	p.sendEventLocked(Event{Type: EventStateChanged, Track: p.currentCopyLocked()})
	return nil
}

func (p *Player) setPausedLocked(paused bool) {
	p.paused = paused
	if paused {
		p.stopTickLocked()
	} else if p.current != nil {
		p.startTickLocked()
	}
}

// Stop stops the current track.
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	seq := p.nextSeqLocked()
	b := p.Backend()
	p.mu.Unlock()

	if _, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Track: backend.StopTrack()}, false); err != nil {
		return errors.Wrap(err, "failed to stop")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyLocked(seq) {
		p.clearCurrentLocked()
		p.sendEventLocked(Event{Type: EventStateChanged})
	}
	return nil
}

// Seek moves the playback position. 0 and the track length are both valid.
func (p *Player) Seek(ctx context.Context, position time.Duration) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.current == nil {
		p.mu.Unlock()
		return ErrNoTrack
	}
	if !p.current.Info.IsSeekable {
		p.mu.Unlock()
		return errors.Wrapf(ErrNotSeekable, "track %q", p.current.Info.Title)
	}
	if position < 0 || position > p.current.Duration() {
		p.mu.Unlock()
		return errors.Wrapf(ErrOutOfBounds, "position %s, length %s", position, p.current.Duration())
	}
	seq := p.nextSeqLocked()
	b := p.Backend()
	p.mu.Unlock()

	if _, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Position: millis(position)}, false); err != nil {
		return errors.Wrap(err, "failed to seek")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyLocked(seq) && p.current != nil {
		p.position = position
		p.sendEventLocked(Event{Type: EventStateChanged, Track: p.currentCopyLocked()})
	}
	return nil
}

// SetVolume sets the volume, 0..100.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if !validVolume(volume) {
		return errors.Wrapf(ErrInvalidVolume, "volume %d", volume)
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	p.volumeSeq++
	seq := p.volumeSeq
	b := p.Backend()
	p.mu.Unlock()

	scaled := volume * volumeScale
	if _, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Volume: &scaled}, false); err != nil {
		return errors.Wrap(err, "failed to set volume")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if seq < p.appliedVolumeSeq {
		zlog.Debug().Msgf("player: discarding superseded volume: guild=%s volume=%d", p.guildID, volume)
		return nil
	}
	p.appliedVolumeSeq = seq
	p.volume = volume
	p.sendEventLocked(Event{Type: EventStateChanged, Track: p.currentCopyLocked()})
	return nil
}

// SetFilters replaces the node-side audio filters. The payload is passed through as is.
func (p *Player) SetFilters(ctx context.Context, filters json.RawMessage) error {
	if len(filters) > 0 && !json.Valid(filters) {
		return errors.New("filters must be valid JSON")
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	b := p.Backend()
	p.mu.Unlock()

	payload := filters
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if _, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Filters: payload}, false); err != nil {
		return errors.Wrap(err, "failed to set filters")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(json.RawMessage(nil), payload...)
	p.sendEventLocked(Event{Type: EventStateChanged, Track: p.currentCopyLocked()})
	return nil
}

// Skip plays the next queued track, or stops when the queue is empty.
func (p *Player) Skip(ctx context.Context) error {
	p.mu.Lock()
	empty := len(p.queue) == 0
	playing := p.current != nil
	p.mu.Unlock()

	if !empty {
		return p.Play(ctx, PlayOptions{})
	}
	if !playing {
		return ErrEmptyQueue
	}
	return p.Stop(ctx)
}

// Previous plays the most recent entry of the previous stack. The current track,
// if any, goes back to the head of the queue. It returns false when the stack is empty.
func (p *Player) Previous(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return false, ErrDestroyed
	}
	if len(p.previous) == 0 {
		p.mu.Unlock()
		return false, nil
	}
	last := p.previous[len(p.previous)-1]
	p.previous = p.previous[:len(p.previous)-1]
	requeued := p.current
	if requeued != nil {
		p.queue = append([]track.Track{*requeued}, p.queue...)
	}
	p.mu.Unlock()

	if err := p.Play(ctx, PlayOptions{Track: &last}); err != nil {
		p.mu.Lock()
		p.previous = append(p.previous, last)
		if requeued != nil && len(p.queue) > 0 && p.queue[0].Same(*requeued) {
			p.queue = p.queue[1:]
		}
		p.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Load resolves an identifier or search query on the bound node.
func (p *Player) Load(ctx context.Context, identifier string) (*track.LoadResult, error) {
	return p.Backend().LoadTracks(ctx, identifier)
}

// SetLoop sets the loop mode.
func (p *Player) SetLoop(mode LoopMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loop = mode
	p.sendEventLocked(Event{Type: EventStateChanged, Track: p.currentCopyLocked()})
}

// Loop returns the loop mode.
func (p *Player) Loop() LoopMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loop
}

// SetAutoplay enables or disables autoplay.
func (p *Player) SetAutoplay(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoplay = enabled
}

// Autoplay reports whether autoplay is enabled.
func (p *Player) Autoplay() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoplay
}

// Current returns a copy of the current track.
func (p *Player) Current() (track.Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return track.Track{}, false
	}
	return *p.current, true
}

// Volume returns the volume, 0..100.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Paused reports the pause flag.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Position returns the estimated playback position.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// History returns the finished tracks, oldest first.
func (p *Player) History() []track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]track.Track(nil), p.history...)
}

// PreviousTracks returns the back-navigation stack, oldest first.
func (p *Player) PreviousTracks() []track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]track.Track(nil), p.previous...)
}

// HandlePlayerUpdate applies a periodic state report from the node.
// The reported position replaces the local estimate.
func (p *Player) HandlePlayerUpdate(state backend.PlayerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if p.current != nil {
		p.position = time.Duration(state.Position) * time.Millisecond
	}
	if state.Ping >= 0 {
		p.ping = time.Duration(state.Ping) * time.Millisecond
	}
	if !state.Connected && p.voiceConnected {
		zlog.Debug().Msgf("player: node reports voice disconnected: guild=%s", p.guildID)
	}
}

// Destroy stops playback, deletes the node side player within the destroy timeout
// and releases the player. Later commands fail with ErrDestroyed.
func (p *Player) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.stopTickLocked()
	b := p.Backend()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DestroyTimeout)
	defer cancel()

	var stopErr, deleteErr error
	if _, err := b.UpdatePlayer(ctx, p.guildID, backend.PlayerUpdateRequest{Track: backend.StopTrack()}, false); err != nil && !errors.Is(err, backend.ErrNotFound) {
		stopErr = errors.Wrap(err, "failed to stop")
	}
	if err := b.DestroyPlayer(ctx, p.guildID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		deleteErr = errors.Wrap(err, "failed to delete node player")
	}

	p.cancel()

	p.mu.Lock()
	p.current = nil
	p.position = 0
	p.queue = nil
	p.voiceConnected = false
	p.sendEventLocked(Event{Type: EventDestroyed})
	close(p.eventCh)
	p.mu.Unlock()

	zlog.Info().Msgf("player destroyed: guild=%s node=%s", p.guildID, b.Name())
	return errors.CombineErrors(stopErr, deleteErr)
}

// MoveTo recreates the player on another node and rebinds to it. The binding only
// changes once the target accepted the player; the old node player is then deleted.
func (p *Player) MoveTo(ctx context.Context, target Backend) error {
	old := p.binding.Load()
	if old.backend.Name() == target.Name() {
		return nil
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	req := p.replayRequestLocked()
	p.mu.Unlock()

	if _, err := target.UpdatePlayer(ctx, p.guildID, req, false); err != nil {
		return errors.Wrapf(err, "failed to create player on %s", target.Name())
	}
	if !p.binding.CompareAndSwap(old, &binding{backend: target}) {
		if err := target.DestroyPlayer(ctx, p.guildID); err != nil {
			zlog.Warn().Err(err).Msgf("player: failed to release duplicate player: guild=%s node=%s", p.guildID, target.Name())
		}
		return ErrMoveConflict
	}

	p.mu.Lock()
	p.sendEventLocked(Event{Type: EventMoved, Track: p.currentCopyLocked(), Node: target.Name()})
	p.mu.Unlock()

	if err := old.backend.DestroyPlayer(ctx, p.guildID); err != nil {
		zlog.Warn().Err(err).Msgf("player: failed to delete player on previous node: guild=%s node=%s", p.guildID, old.backend.Name())
	}
	zlog.Info().Msgf("player moved: guild=%s from=%s to=%s", p.guildID, old.backend.Name(), target.Name())
	return nil
}

// Resync pushes the full local state to the bound node. It recreates a node side
// player that was lost because the node restarted without resuming.
func (p *Player) Resync(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	req := p.replayRequestLocked()
	b := p.Backend()
	p.mu.Unlock()

	if _, err := b.UpdatePlayer(ctx, p.guildID, req, false); err != nil {
		return errors.Wrapf(err, "failed to resync player on %s", b.Name())
	}
	zlog.Debug().Msgf("player: resynced: guild=%s node=%s", p.guildID, b.Name())
	return nil
}

// replayRequestLocked builds an update recreating the player as it is locally.
func (p *Player) replayRequestLocked() backend.PlayerUpdateRequest {
	volume := p.volume * volumeScale
	paused := p.paused
	req := backend.PlayerUpdateRequest{Volume: &volume, Paused: &paused, Filters: p.filters}
	if p.voice.Complete() {
		req.Voice = p.voiceStateLocked()
	}
	if p.current != nil {
		req.Track = backend.PlayTrack(*p.current)
		req.Position = millis(p.position)
	}
	return req
}

func (p *Player) nextSeqLocked() uint64 {
	p.seq++
	return p.seq
}

// applyLocked reports whether a completed track command may change local state.
func (p *Player) applyLocked(seq uint64) bool {
	if seq < p.appliedSeq {
		return false
	}
	p.appliedSeq = seq
	return true
}

func (p *Player) clearCurrentLocked() {
	p.current = nil
	p.position = 0
	p.stopTickLocked()
}

func (p *Player) currentCopyLocked() *track.Track {
	if p.current == nil {
		return nil
	}
	t := *p.current
	return &t
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (p *Player) sendEventLocked(e Event) {
	if e.Type != EventDestroyed && p.destroyed {
		return
	}
	e.GuildID = p.guildID
	if e.Node == "" {
		e.Node = p.Backend().Name()
	}
	select {
	case p.eventCh <- e:
	default:
		zlog.Warn().Msgf("player: event dropped: guild=%s event=%s", p.guildID, e.Type)
	}
}

// startTickLocked starts the local position estimate.
// Must be called with lock held.
func (p *Player) startTickLocked() {
	if p.tickCancel != nil || p.paused || p.destroyed {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.tickCancel = cancel
	interval := p.cfg.TickInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.mu.Lock()
				p.advanceLocked(interval)
				p.mu.Unlock()
			}
		}
	}()
}

func (p *Player) stopTickLocked() {
	if p.tickCancel != nil {
		p.tickCancel()
		p.tickCancel = nil
	}
}

func (p *Player) advanceLocked(d time.Duration) {
	if p.current == nil || p.paused {
		return
	}
	p.position += d
	if length := p.current.Duration(); !p.current.Info.IsStream && length > 0 && p.position > length {
		p.position = length
	}
}

func validVolume(v int) bool {
	return v >= MinVolume && v <= MaxVolume
}

func millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
