package plugin

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voxlink/internal/app/player"
	"github.com/osa030/voxlink/internal/domain/track"
)

type recordingPlugin struct {
	name    string
	loadErr error
	panics  bool
	log     *[]string

	mu     sync.Mutex
	events []player.EventType
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) OnLoad(context.Context) error {
	if p.loadErr != nil {
		return p.loadErr
	}
	*p.log = append(*p.log, "load "+p.name)
	return nil
}

func (p *recordingPlugin) OnUnload(context.Context) error {
	*p.log = append(*p.log, "unload "+p.name)
	return nil
}

func (p *recordingPlugin) OnEvent(_ context.Context, ev player.Event) {
	if p.panics {
		panic("plugin bug")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Type)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	var log []string
	r := NewRegistry()
	a := &recordingPlugin{name: "a", log: &log}
	b := &recordingPlugin{name: "b", log: &log}

	require.NoError(t, r.Register(ctx, a))
	require.NoError(t, r.Register(ctx, b))
	assert.ErrorIs(t, r.Register(ctx, &recordingPlugin{name: "a", log: &log}), ErrDuplicatePlugin)
	assert.Error(t, r.Register(ctx, &recordingPlugin{name: "c", log: &log, loadErr: errors.New("bad config")}))
	assert.Equal(t, []string{"a", "b"}, r.Names())

	r.Dispatch(ctx, player.Event{Type: player.EventTrackStarted})
	r.Dispatch(ctx, player.Event{Type: player.EventTrackEnded})
	assert.Equal(t, []player.EventType{player.EventTrackStarted, player.EventTrackEnded}, a.events)
	assert.Equal(t, a.events, b.events)

	require.NoError(t, r.Unregister(ctx, "a"))
	assert.ErrorIs(t, r.Unregister(ctx, "a"), ErrPluginNotFound)
	assert.Equal(t, []string{"b"}, r.Names())

	require.NoError(t, r.Register(ctx, &recordingPlugin{name: "d", log: &log}))
	require.NoError(t, r.Close(ctx))
	assert.Empty(t, r.Names())
	assert.Equal(t, []string{"load a", "load b", "unload a", "load d", "unload d", "unload b"}, log)
}

func TestRegistry_PanickingPlugin(t *testing.T) {
	ctx := context.Background()
	var log []string
	r := NewRegistry()
	bad := &recordingPlugin{name: "bad", log: &log, panics: true}
	good := &recordingPlugin{name: "good", log: &log}
	require.NoError(t, r.Register(ctx, bad))
	require.NoError(t, r.Register(ctx, good))

	assert.NotPanics(t, func() {
		r.Dispatch(ctx, player.Event{Type: player.EventQueueExhausted})
	})
	assert.Equal(t, []player.EventType{player.EventQueueExhausted}, good.events)
}

func TestEventLog(t *testing.T) {
	l := NewEventLog()
	require.NoError(t, l.OnLoad(context.Background()))

	tr := track.Track{Info: track.Info{Title: "Song"}}
	l.OnEvent(context.Background(), player.Event{Type: player.EventTrackStarted, Track: &tr})
	l.OnEvent(context.Background(), player.Event{Type: player.EventTrackStarted})
	l.OnEvent(context.Background(), player.Event{Type: player.EventTrackStuck, Message: "10000ms"})

	assert.Equal(t, 2, l.Count(player.EventTrackStarted))
	assert.Equal(t, 1, l.Count(player.EventTrackStuck))
	assert.Zero(t, l.Count(player.EventDestroyed))
	assert.NoError(t, l.OnUnload(context.Background()))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHooks(t *testing.T) {
	out := &syncBuffer{}
	h := NewHooks(
		[]string{"echo started"},
		[]string{"echo stopped"},
		map[string][]string{"queue_exhausted": {`echo "$VOXLINK_EVENT $VOXLINK_GUILD $VOXLINK_TRACK"`}},
	)
	h.stdout = out
	h.stderr = out
	assert.Equal(t, "hooks", h.Name())

	ctx := context.Background()
	require.NoError(t, h.OnLoad(ctx))

	tr := track.Track{Info: track.Info{Title: "Last"}}
	h.OnEvent(ctx, player.Event{Type: player.EventQueueExhausted, GuildID: 5, Track: &tr})
	h.OnEvent(ctx, player.Event{Type: player.EventTrackStarted, GuildID: 5})

	require.NoError(t, h.OnUnload(ctx))
	assert.Equal(t, "started\nqueue_exhausted 5 Last\nstopped\n", out.String())
}
