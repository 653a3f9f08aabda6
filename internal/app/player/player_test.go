package player

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
)

const testGuild = snowflake.ID(42)

type fakeBackend struct {
	name string

	mu        sync.Mutex
	updates   []backend.PlayerUpdateRequest
	destroyed int
	loads     map[string]*track.LoadResult

	inflight  atomic.Int32
	hook      func(req backend.PlayerUpdateRequest) error
	destroyFn func() error
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, loads: map[string]*track.LoadResult{}}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) UpdatePlayer(_ context.Context, guildID snowflake.ID, req backend.PlayerUpdateRequest, _ bool) (*backend.Player, error) {
	f.inflight.Add(1)
	defer f.inflight.Add(-1)
	if f.hook != nil {
		if err := f.hook(req); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.updates = append(f.updates, req)
	f.mu.Unlock()
	return &backend.Player{GuildID: guildID.String()}, nil
}

func (f *fakeBackend) DestroyPlayer(context.Context, snowflake.ID) error {
	if f.destroyFn != nil {
		if err := f.destroyFn(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) LoadTracks(_ context.Context, identifier string) (*track.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.loads[identifier]; ok {
		return res, nil
	}
	return &track.LoadResult{LoadType: track.LoadTypeEmpty}, nil
}

func (f *fakeBackend) Updates() []backend.PlayerUpdateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.PlayerUpdateRequest(nil), f.updates...)
}

func (f *fakeBackend) Destroys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// playedEncoded returns the encoded tracks of every play request, in order.
func (f *fakeBackend) playedEncoded() []string {
	var out []string
	for _, u := range f.Updates() {
		if u.Track != nil && u.Track.Encoded != nil {
			out = append(out, *u.Track.Encoded)
		}
	}
	return out
}

func mkTrack(id string) track.Track {
	return track.Track{
		Encoded: "enc-" + id,
		Info: track.Info{
			Identifier: id,
			Title:      id,
			Author:     "artist",
			Length:     180000,
			IsSeekable: true,
			SourceName: "youtube",
		},
	}
}

func newTestPlayer(t *testing.T, cfg Config) (*Player, *fakeBackend) {
	t.Helper()
	fb := newFakeBackend("main")
	p := New(testGuild, fb, cfg)
	t.Cleanup(func() { _ = p.Destroy(context.Background()) })
	return p, fb
}

func drainEvents(p *Player) []EventType {
	var out []EventType
	for {
		select {
		case e, ok := <-p.Events():
			if !ok {
				return out
			}
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func ended(t track.Track, reason backend.EndReason) backend.TrackEvent {
	return backend.TrackEvent{Type: backend.EventTrackEnd, GuildID: testGuild.String(), Track: &t, Reason: reason}
}

func titles(tracks []track.Track) []string {
	out := make([]string, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.Info.Title)
	}
	return out
}

func TestPlayer_PlayDequeuesHead(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	p.Enqueue(mkTrack("a"), mkTrack("b"))

	require.NoError(t, p.Play(context.Background(), PlayOptions{}))

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "a", cur.Info.Title)
	assert.Equal(t, []string{"b"}, titles(p.Queue()))
	assert.Equal(t, []string{"enc-a"}, fb.playedEncoded())
}

func TestPlayer_PlayEmptyQueue(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})

	err := p.Play(context.Background(), PlayOptions{})

	assert.True(t, errors.Is(err, ErrEmptyQueue))
	assert.Empty(t, fb.Updates())
}

func TestPlayer_PlayFailureRequeuesHead(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	fb.hook = func(backend.PlayerUpdateRequest) error { return backend.ErrBackendUnavailable }
	p.Enqueue(mkTrack("a"), mkTrack("b"))

	err := p.Play(context.Background(), PlayOptions{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrBackendUnavailable))
	assert.Equal(t, []string{"a", "b"}, titles(p.Queue()))
	_, ok := p.Current()
	assert.False(t, ok)
}

func TestPlayer_PlayOptionsAreSent(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	a := mkTrack("a")
	vol := 30
	paused := true

	require.NoError(t, p.Play(context.Background(), PlayOptions{
		Track:     &a,
		StartTime: 5 * time.Second,
		EndTime:   90 * time.Second,
		Volume:    &vol,
		Paused:    &paused,
	}))

	updates := fb.Updates()
	require.Len(t, updates, 1)
	req := updates[0]
	assert.Equal(t, int64(5000), *req.Position)
	assert.Equal(t, int64(90000), *req.EndTime)
	assert.Equal(t, 300, *req.Volume)
	assert.True(t, *req.Paused)
	assert.Equal(t, 30, p.Volume())
	assert.True(t, p.Paused())
	assert.Equal(t, 5*time.Second, p.Position())
}

func TestPlayer_StaleCompletionIsDiscarded(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	release := make(chan struct{})
	fb.hook = func(req backend.PlayerUpdateRequest) error {
		if req.Track != nil && req.Track.Encoded != nil {
			<-release
		}
		return nil
	}

	a := mkTrack("a")
	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), PlayOptions{Track: &a}) }()
	require.Eventually(t, func() bool { return fb.inflight.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	close(release)
	require.NoError(t, <-done)

	_, ok := p.Current()
	assert.False(t, ok, "a play that completed after a later stop must not become current")
}

func TestPlayer_SupersededDequeueKeepsTrack(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	release := make(chan struct{})
	fb.hook = func(req backend.PlayerUpdateRequest) error {
		if req.Track != nil && req.Track.Encoded != nil {
			<-release
		}
		return nil
	}

	b, c := mkTrack("B"), mkTrack("C")
	p.Enqueue(b)
	p.Enqueue(c)
	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), PlayOptions{}) }()
	require.Eventually(t, func() bool { return fb.inflight.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	close(release)
	require.NoError(t, <-done)

	_, ok := p.Current()
	assert.False(t, ok)
	assert.Equal(t, []string{"B", "C"}, titles(p.Queue()), "the dequeued track goes back to the head")
}

func TestPlayer_StaleVolumeIsDiscarded(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	release := make(chan struct{})
	fb.hook = func(req backend.PlayerUpdateRequest) error {
		if req.Volume != nil && *req.Volume == 100 {
			<-release
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.SetVolume(context.Background(), 10) }()
	require.Eventually(t, func() bool { return fb.inflight.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.SetVolume(context.Background(), 20))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 20, p.Volume(), "the later volume command wins")
}

func TestPlayer_QueueExhaustedOnAnyEnd(t *testing.T) {
	reasons := []backend.EndReason{
		backend.EndReasonFinished,
		backend.EndReasonStopped,
		backend.EndReasonCleanup,
		backend.EndReasonLoadFailed,
	}
	for _, reason := range reasons {
		t.Run(string(reason), func(t *testing.T) {
			p, fb := newTestPlayer(t, Config{})
			a := mkTrack("A")
			require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
			drainEvents(p)

			p.HandleTrackEvent(context.Background(), ended(a, reason))

			assert.Contains(t, drainEvents(p), EventQueueExhausted)
			assert.Equal(t, []string{"enc-A"}, fb.playedEncoded())
		})
	}

	t.Run("replaced", func(t *testing.T) {
		p, _ := newTestPlayer(t, Config{})
		a, b := mkTrack("A"), mkTrack("B")
		require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
		require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &b}))
		drainEvents(p)

		p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonReplaced))

		assert.NotContains(t, drainEvents(p), EventQueueExhausted)
	})

	t.Run("stopped with tracks queued", func(t *testing.T) {
		p, fb := newTestPlayer(t, Config{})
		a, b := mkTrack("A"), mkTrack("B")
		require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
		p.Enqueue(b)
		drainEvents(p)

		p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonStopped))

		assert.NotContains(t, drainEvents(p), EventQueueExhausted)
		assert.Equal(t, []string{"enc-A"}, fb.playedEncoded(), "only a finished track advances")
	})
}

func TestPlayer_PauseRollsBackOnFailure(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	a := mkTrack("a")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))

	fb.hook = func(backend.PlayerUpdateRequest) error { return backend.ErrTimeout }
	err := p.Pause(context.Background(), true)

	require.Error(t, err)
	assert.False(t, p.Paused())

	fb.hook = nil
	require.NoError(t, p.Pause(context.Background(), true))
	assert.True(t, p.Paused())
}

func TestPlayer_SeekBounds(t *testing.T) {
	length := 180 * time.Second
	tests := []struct {
		name     string
		position time.Duration
		ok       bool
	}{
		{name: "negative", position: -time.Millisecond, ok: false},
		{name: "past the end", position: length + time.Millisecond, ok: false},
		{name: "start", position: 0, ok: true},
		{name: "end", position: length, ok: true},
		{name: "middle", position: length / 2, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fb := newTestPlayer(t, Config{TickInterval: time.Hour})
			a := mkTrack("a")
			require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))

			err := p.Seek(context.Background(), tt.position)
			if !tt.ok {
				assert.True(t, errors.Is(err, ErrOutOfBounds), "got %v", err)
				assert.Len(t, fb.Updates(), 1, "nothing sent for an invalid seek")
				return
			}
			require.NoError(t, err)
			updates := fb.Updates()
			require.Len(t, updates, 2)
			assert.Equal(t, tt.position.Milliseconds(), *updates[1].Position)
			assert.Equal(t, tt.position, p.Position())
		})
	}
}

func TestPlayer_SeekWithoutTrack(t *testing.T) {
	p, _ := newTestPlayer(t, Config{})
	assert.True(t, errors.Is(p.Seek(context.Background(), 0), ErrNoTrack))
}

func TestPlayer_SeekNotSeekable(t *testing.T) {
	p, _ := newTestPlayer(t, Config{})
	a := mkTrack("a")
	a.Info.IsSeekable = false
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))

	assert.True(t, errors.Is(p.Seek(context.Background(), time.Second), ErrNotSeekable))
}

func TestPlayer_SetVolume(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})

	err := p.SetVolume(context.Background(), 150)
	assert.True(t, errors.Is(err, ErrInvalidVolume))
	assert.True(t, errors.Is(p.SetVolume(context.Background(), -1), ErrInvalidVolume))
	assert.Empty(t, fb.Updates())

	require.NoError(t, p.SetVolume(context.Background(), 50))
	updates := fb.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, 500, *updates[0].Volume)
	assert.Equal(t, 50, p.Volume())
}

func TestPlayer_SetFilters(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})

	assert.Error(t, p.SetFilters(context.Background(), []byte(`{bad`)))
	require.NoError(t, p.SetFilters(context.Background(), []byte(`{"timescale":{"speed":1.2}}`)))

	updates := fb.Updates()
	require.Len(t, updates, 1)
	assert.JSONEq(t, `{"timescale":{"speed":1.2}}`, string(updates[0].Filters))
}

func TestPlayer_QueueOperations(t *testing.T) {
	p, _ := newTestPlayer(t, Config{})
	assert.Equal(t, 4, p.Enqueue(mkTrack("a"), mkTrack("b"), mkTrack("c"), mkTrack("d")))

	_, ok := p.Remove(9)
	assert.False(t, ok)
	_, ok = p.Remove(-1)
	assert.False(t, ok)
	removed, ok := p.Remove(1)
	require.True(t, ok)
	assert.Equal(t, "b", removed.Info.Title)
	assert.Equal(t, []string{"a", "c", "d"}, titles(p.Queue()))

	assert.False(t, p.Move(0, 3))
	assert.True(t, p.Move(0, 2))
	assert.Equal(t, []string{"c", "d", "a"}, titles(p.Queue()))
	assert.True(t, p.Move(2, 0))
	assert.Equal(t, []string{"a", "c", "d"}, titles(p.Queue()))

	p.Shuffle()
	assert.ElementsMatch(t, []string{"a", "c", "d"}, titles(p.Queue()))

	assert.Equal(t, 3, p.Clear())
	assert.Empty(t, p.Queue())
}

func TestPlayer_LoopQueueScenario(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	a, b, c := mkTrack("A"), mkTrack("B"), mkTrack("C")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	p.Enqueue(b, c)
	p.SetLoop(LoopQueue)

	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonFinished))

	assert.Equal(t, []string{"enc-A", "enc-B"}, fb.playedEncoded())
	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "B", cur.Info.Title)
	assert.Equal(t, []string{"C", "A"}, titles(p.Queue()))
}

func TestPlayer_LoopQueueAppendsBeforeNextSelection(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	a, b, c := mkTrack("A"), mkTrack("B"), mkTrack("C")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	p.Enqueue(b, c)
	p.SetLoop(LoopQueue)

	// With the next play failing the queue shows the state the selection started from.
	fb.hook = func(backend.PlayerUpdateRequest) error { return backend.ErrBackendUnavailable }
	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonFinished))

	assert.Equal(t, []string{"B", "C", "A"}, titles(p.Queue()))
}

func TestPlayer_LoopTrackReplays(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	a, b := mkTrack("A"), mkTrack("B")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	p.Enqueue(b)
	p.SetLoop(LoopTrack)

	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonFinished))

	assert.Equal(t, []string{"enc-A", "enc-A"}, fb.playedEncoded())
	assert.Equal(t, []string{"B"}, titles(p.Queue()))
}

func TestPlayer_LoopOnlyOnFinished(t *testing.T) {
	reasons := []backend.EndReason{
		backend.EndReasonStopped,
		backend.EndReasonReplaced,
		backend.EndReasonCleanup,
		backend.EndReasonLoadFailed,
	}
	for _, reason := range reasons {
		t.Run(string(reason), func(t *testing.T) {
			p, fb := newTestPlayer(t, Config{})
			a, b := mkTrack("A"), mkTrack("B")
			require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
			p.Enqueue(b)
			p.SetLoop(LoopQueue)

			p.HandleTrackEvent(context.Background(), ended(a, reason))

			assert.Equal(t, []string{"enc-A"}, fb.playedEncoded(), "no automatic advance")
			assert.Equal(t, []string{"B"}, titles(p.Queue()), "loop does not apply")
			assert.Equal(t, []string{"A"}, titles(p.History()), "history is always recorded")
		})
	}
}

func TestPlayer_ReplacedEndKeepsNewCurrent(t *testing.T) {
	p, _ := newTestPlayer(t, Config{})
	a, b := mkTrack("A"), mkTrack("B")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &b}))

	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonReplaced))

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "B", cur.Info.Title)
}

func TestPlayer_HistoryAndPreviousCaps(t *testing.T) {
	p, _ := newTestPlayer(t, Config{HistorySize: 3, PreviousSize: 2})

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		p.HandleTrackEvent(context.Background(), ended(mkTrack(id), backend.EndReasonStopped))
	}

	assert.Equal(t, []string{"3", "4", "5"}, titles(p.History()))
	assert.Equal(t, []string{"4", "5"}, titles(p.PreviousTracks()))
}

func TestPlayer_QueueExhausted(t *testing.T) {
	p, _ := newTestPlayer(t, Config{})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	drainEvents(p)

	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonFinished))

	assert.Equal(t, []EventType{EventTrackEnded, EventQueueExhausted}, drainEvents(p))
	_, ok := p.Current()
	assert.False(t, ok)
}

type stubAutoplayer struct {
	calls  atomic.Int32
	result bool
	start  *track.Track
}

func (s *stubAutoplayer) Autoplay(ctx context.Context, p *Player, _ track.Track) bool {
	s.calls.Add(1)
	if s.start != nil {
		p.Enqueue(*s.start)
		return p.Play(ctx, PlayOptions{}) == nil
	}
	return s.result
}

func TestPlayer_AutoplayFailureExhaustsQueue(t *testing.T) {
	engine := &stubAutoplayer{result: false}
	p, _ := newTestPlayer(t, Config{Autoplay: true, Autoplayer: engine})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	drainEvents(p)

	assert.NotPanics(t, func() {
		p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonFinished))
	})

	assert.Equal(t, int32(1), engine.calls.Load())
	assert.Contains(t, drainEvents(p), EventQueueExhausted)
}

func TestPlayer_AutoplayStartsTrack(t *testing.T) {
	next := mkTrack("related")
	engine := &stubAutoplayer{start: &next}
	p, fb := newTestPlayer(t, Config{Autoplay: true, Autoplayer: engine})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	drainEvents(p)

	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonFinished))

	assert.NotContains(t, drainEvents(p), EventQueueExhausted)
	assert.Equal(t, []string{"enc-A", "enc-related"}, fb.playedEncoded())
}

func TestPlayer_AutoplayDisabled(t *testing.T) {
	engine := &stubAutoplayer{result: true}
	p, _ := newTestPlayer(t, Config{Autoplayer: engine})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))

	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonFinished))

	assert.Equal(t, int32(0), engine.calls.Load())
}

func TestPlayer_Previous(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})

	ok, err := p.Previous(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	a, b := mkTrack("A"), mkTrack("B")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	p.HandleTrackEvent(context.Background(), ended(a, backend.EndReasonStopped))
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &b}))

	ok, err = p.Previous(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	cur, _ := p.Current()
	assert.Equal(t, "A", cur.Info.Title)
	assert.Equal(t, []string{"B"}, titles(p.Queue()))
	assert.Empty(t, p.PreviousTracks())
	assert.Equal(t, []string{"enc-A", "enc-B", "enc-A"}, fb.playedEncoded())
}

func TestPlayer_VoiceForwardedOnlyWhenComplete(t *testing.T) {
	type step func(p *Player) error
	server := func(p *Player) error { return p.UpdateVoiceServer(context.Background(), "tok", "ep.example") }
	state := func(p *Player) error { return p.UpdateVoiceState(context.Background(), "sess", 7) }
	tokenOnly := func(p *Player) error { return p.UpdateVoiceServer(context.Background(), "tok", "") }
	endpointOnly := func(p *Player) error { return p.UpdateVoiceServer(context.Background(), "", "ep.example") }

	tests := []struct {
		name      string
		steps     []step
		forwarded bool
	}{
		{name: "server then state", steps: []step{server, state}, forwarded: true},
		{name: "state then server", steps: []step{state, server}, forwarded: true},
		{name: "split server fragments", steps: []step{tokenOnly, state, endpointOnly}, forwarded: true},
		{name: "server only", steps: []step{server}, forwarded: false},
		{name: "state only", steps: []step{state}, forwarded: false},
		{name: "missing endpoint", steps: []step{tokenOnly, state}, forwarded: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fb := newTestPlayer(t, Config{})
			for _, s := range tt.steps {
				require.NoError(t, s(p))
			}

			var voices []*backend.VoiceState
			for _, u := range fb.Updates() {
				if u.Voice != nil {
					voices = append(voices, u.Voice)
				}
			}
			assert.Equal(t, tt.forwarded, p.VoiceConnected())
			if !tt.forwarded {
				assert.Empty(t, voices)
				return
			}
			require.Len(t, voices, 1)
			assert.Equal(t, backend.VoiceState{Token: "tok", Endpoint: "ep.example", SessionID: "sess", ChannelID: "7"}, *voices[0])
		})
	}
}

func TestPlayer_VoiceLeaveAndRejoin(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	require.NoError(t, p.UpdateVoiceServer(context.Background(), "tok", "ep"))
	require.NoError(t, p.UpdateVoiceState(context.Background(), "sess", 7))
	require.NoError(t, p.UpdateVoiceState(context.Background(), "sess", 7))
	assert.Len(t, fb.Updates(), 1, "unchanged fragments are not forwarded again")

	require.NoError(t, p.UpdateVoiceState(context.Background(), "sess", 0))
	assert.False(t, p.VoiceConnected())

	require.NoError(t, p.UpdateVoiceState(context.Background(), "sess", 8))
	assert.True(t, p.VoiceConnected())
	assert.Len(t, fb.Updates(), 2)
}

func TestPlayer_SaveRestoreRoundTrip(t *testing.T) {
	src, _ := newTestPlayer(t, Config{TickInterval: time.Hour})
	a := mkTrack("A")
	vol := 40
	require.NoError(t, src.Play(context.Background(), PlayOptions{Track: &a, StartTime: 12 * time.Second, Volume: &vol}))
	src.Enqueue(mkTrack("B"), mkTrack("C"))
	src.SetLoop(LoopQueue)
	src.HandlePlayerUpdate(backend.PlayerState{Position: 15000, Connected: true})

	blob, err := src.SaveQueue()
	require.NoError(t, err)

	dst, fb := newTestPlayer(t, Config{})
	require.NoError(t, dst.RestoreQueue(context.Background(), blob))

	assert.Equal(t, src.Queue(), dst.Queue())
	assert.Equal(t, LoopQueue, dst.Loop())
	assert.Equal(t, 40, dst.Volume())
	cur, ok := dst.Current()
	require.True(t, ok)
	assert.Equal(t, "A", cur.Info.Title)

	updates := fb.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "enc-A", *updates[0].Track.Encoded)
	assert.Equal(t, int64(15000), *updates[0].Position)
	assert.Equal(t, 400, *updates[0].Volume)
	assert.False(t, *updates[0].Paused)

	again, err := dst.SaveQueue()
	require.NoError(t, err)
	restored, err := decodeSavedQueue(again)
	require.NoError(t, err)
	original, err := decodeSavedQueue(blob)
	require.NoError(t, err)
	assert.Equal(t, original.Queue, restored.Queue)
	assert.Equal(t, original.Loop, restored.Loop)
	assert.Equal(t, original.Volume, restored.Volume)
}

func TestPlayer_RestoreWithoutCurrent(t *testing.T) {
	src, _ := newTestPlayer(t, Config{})
	src.Enqueue(mkTrack("B"))
	require.NoError(t, src.SetVolume(context.Background(), 70))
	blob, err := src.SaveQueue()
	require.NoError(t, err)

	dst, fb := newTestPlayer(t, Config{})
	require.NoError(t, dst.RestoreQueue(context.Background(), blob))

	assert.Equal(t, []string{"B"}, titles(dst.Queue()))
	assert.Equal(t, 70, dst.Volume())
	_, ok := dst.Current()
	assert.False(t, ok)
	require.Len(t, fb.Updates(), 1)
	assert.Nil(t, fb.Updates()[0].Track)
}

func TestPlayer_RestoreRejectsMalformedInput(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	tests := []struct {
		name string
		blob string
	}{
		{name: "not base64", blob: "%%%"},
		{name: "not json", blob: enc("nope")},
		{name: "wrong version", blob: enc(`{"v":9,"queue":[],"volume":50,"loop":"off"}`)},
		{name: "bad loop", blob: enc(`{"v":1,"queue":[],"volume":50,"loop":"sometimes"}`)},
		{name: "bad volume", blob: enc(`{"v":1,"queue":[],"volume":500,"loop":"off"}`)},
		{name: "track without blob", blob: enc(`{"v":1,"queue":[{"info":{"title":"x"}}],"volume":50,"loop":"off"}`)},
		{name: "position past end", blob: enc(`{"v":1,"queue":[],"current":{"encoded":"e","info":{"length":1000}},"position":2000,"volume":50,"loop":"off"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fb := newTestPlayer(t, Config{})
			p.Enqueue(mkTrack("keep"))
			p.SetLoop(LoopTrack)

			err := p.RestoreQueue(context.Background(), tt.blob)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRestoreFailed), "got %v", err)
			assert.Equal(t, []string{"keep"}, titles(p.Queue()))
			assert.Equal(t, LoopTrack, p.Loop())
			assert.Empty(t, fb.Updates())
		})
	}
}

func TestPlayer_RestorePlayFailureLeavesStateUntouched(t *testing.T) {
	src, _ := newTestPlayer(t, Config{})
	a := mkTrack("A")
	require.NoError(t, src.Play(context.Background(), PlayOptions{Track: &a}))
	src.Enqueue(mkTrack("B"))
	blob, err := src.SaveQueue()
	require.NoError(t, err)

	dst, fb := newTestPlayer(t, Config{})
	dst.Enqueue(mkTrack("keep"))
	fb.hook = func(backend.PlayerUpdateRequest) error { return backend.ErrBackendUnavailable }

	require.Error(t, dst.RestoreQueue(context.Background(), blob))
	assert.Equal(t, []string{"keep"}, titles(dst.Queue()))
}

func TestPlayer_TickAdvancesAndClamps(t *testing.T) {
	p, _ := newTestPlayer(t, Config{TickInterval: 5 * time.Millisecond})
	short := mkTrack("short")
	short.Info.Length = 40

	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &short}))

	require.Eventually(t, func() bool { return p.Position() == 40*time.Millisecond }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, p.Position(), "clamped to the track length")
}

func TestPlayer_TickStopsWhenPaused(t *testing.T) {
	p, _ := newTestPlayer(t, Config{TickInterval: 5 * time.Millisecond})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	require.NoError(t, p.Pause(context.Background(), true))

	pos := p.Position()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, pos, p.Position())
}

func TestPlayer_PlayerUpdateIsAuthoritative(t *testing.T) {
	p, _ := newTestPlayer(t, Config{TickInterval: time.Hour})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))

	p.HandlePlayerUpdate(backend.PlayerState{Position: 61000, Ping: 12, Connected: true})

	status := p.Status()
	assert.Equal(t, 61*time.Second, status.Position)
	assert.Equal(t, 12*time.Millisecond, status.Ping)
}

func TestPlayer_Destroy(t *testing.T) {
	fb := newFakeBackend("main")
	fb.destroyFn = func() error { return errors.Mark(errors.New("gone"), backend.ErrNotFound) }
	p := New(testGuild, fb, Config{})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	drainEvents(p)

	require.NoError(t, p.Destroy(context.Background()), "a missing node player is not an error")

	updates := fb.Updates()
	require.Len(t, updates, 2)
	assert.Nil(t, updates[1].Track.Encoded, "destroy stops playback first")
	assert.Equal(t, []EventType{EventDestroyed}, drainEvents(p))
	_, open := <-p.Events()
	assert.False(t, open)

	assert.True(t, p.Destroyed())
	assert.True(t, errors.Is(p.Play(context.Background(), PlayOptions{Track: &a}), ErrDestroyed))
	assert.NoError(t, p.Destroy(context.Background()), "destroy is idempotent")
}

func TestPlayer_DestroyReportsFailures(t *testing.T) {
	fb := newFakeBackend("main")
	fb.destroyFn = func() error { return backend.ErrBackendUnavailable }
	p := New(testGuild, fb, Config{})

	err := p.Destroy(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrBackendUnavailable))
	assert.True(t, p.Destroyed())
}

func TestPlayer_MoveTo(t *testing.T) {
	p, old := newTestPlayer(t, Config{})
	require.NoError(t, p.UpdateVoiceServer(context.Background(), "tok", "ep"))
	require.NoError(t, p.UpdateVoiceState(context.Background(), "sess", 7))
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	p.HandlePlayerUpdate(backend.PlayerState{Position: 30000})
	drainEvents(p)

	target := newFakeBackend("other")
	require.NoError(t, p.MoveTo(context.Background(), target))

	assert.Equal(t, "other", p.Node())
	assert.Equal(t, 1, old.Destroys())

	updates := target.Updates()
	require.Len(t, updates, 1)
	req := updates[0]
	assert.Equal(t, "enc-A", *req.Track.Encoded)
	assert.Equal(t, int64(30000), *req.Position)
	assert.Equal(t, 1000, *req.Volume)
	require.NotNil(t, req.Voice)
	assert.Equal(t, "sess", req.Voice.SessionID)
	assert.Contains(t, drainEvents(p), EventMoved)
}

func TestPlayer_MoveToFailureKeepsBinding(t *testing.T) {
	p, old := newTestPlayer(t, Config{})
	target := newFakeBackend("other")
	target.hook = func(backend.PlayerUpdateRequest) error { return backend.ErrBackendUnavailable }

	err := p.MoveTo(context.Background(), target)

	require.Error(t, err)
	assert.Equal(t, "main", p.Node())
	assert.Equal(t, 0, old.Destroys())
}

func TestPlayer_Resync(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	a := mkTrack("A")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	require.NoError(t, p.Pause(context.Background(), true))
	before := len(fb.Updates())

	require.NoError(t, p.Resync(context.Background()))

	updates := fb.Updates()
	require.Len(t, updates, before+1)
	req := updates[len(updates)-1]
	assert.Equal(t, "enc-A", *req.Track.Encoded)
	assert.True(t, *req.Paused)
	assert.Nil(t, req.Voice)

	require.NoError(t, p.Destroy(context.Background()))
	assert.ErrorIs(t, p.Resync(context.Background()), ErrDestroyed)
}

func TestPlayer_DeliverRunsInOrder(t *testing.T) {
	p, fb := newTestPlayer(t, Config{})
	a, b := mkTrack("A"), mkTrack("B")
	require.NoError(t, p.Play(context.Background(), PlayOptions{Track: &a}))
	p.Enqueue(b)

	p.Deliver(backend.TrackEvent{Type: backend.EventTrackStart, Track: &a})
	p.Deliver(ended(a, backend.EndReasonFinished))

	require.Eventually(t, func() bool {
		cur, ok := p.Current()
		return ok && cur.Info.Title == "B"
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"enc-A", "enc-B"}, fb.playedEncoded())
}

func TestLoopMode_Parse(t *testing.T) {
	tests := []struct {
		in       string
		expected LoopMode
		wantErr  bool
	}{
		{in: "off", expected: LoopOff},
		{in: "", expected: LoopOff},
		{in: "Track", expected: LoopTrack},
		{in: " queue ", expected: LoopQueue},
		{in: "forever", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLoopMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) LoopMode {
	t.Helper()
	m, err := ParseLoopMode(s)
	require.NoError(t, err)
	return m
}

func TestPushBounded(t *testing.T) {
	var s []int
	for i := 1; i <= 5; i++ {
		s = pushBounded(s, i, 3)
		assert.LessOrEqual(t, len(s), 3)
	}
	assert.Equal(t, []int{3, 4, 5}, s)
}
