package backend_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
	"github.com/osa030/voxlink/internal/infra/backend/backendtest"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type transition struct {
	from, to backend.State
	err      error
}

type recorder struct {
	mu          sync.Mutex
	readies     []backend.Ready
	updates     []backend.PlayerUpdate
	events      []backend.TrackEvent
	transitions []transition
}

func (r *recorder) OnReady(_ *backend.Node, ready backend.Ready) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readies = append(r.readies, ready)
}

func (r *recorder) OnPlayerUpdate(_ *backend.Node, u backend.PlayerUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) OnTrackEvent(_ *backend.Node, e backend.TrackEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnStateChange(_ *backend.Node, from, to backend.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{from: from, to: to, err: err})
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		readies:     append([]backend.Ready(nil), r.readies...),
		updates:     append([]backend.PlayerUpdate(nil), r.updates...),
		events:      append([]backend.TrackEvent(nil), r.events...),
		transitions: append([]transition(nil), r.transitions...),
	}
}

func connectedNode(t *testing.T, server *backendtest.Server, mutate func(o *backend.Options)) (*backend.Node, *recorder) {
	t.Helper()
	opts := server.Options("main")
	opts.ReconnectBaseDelay = 20 * time.Millisecond
	opts.ReconnectMaxDelay = 100 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	n := backend.NewNode(opts)
	rec := &recorder{}
	n.SetListener(rec)
	require.NoError(t, n.Connect(context.Background(), "1234"))
	t.Cleanup(n.Close)
	return n, rec
}

func TestNode_ConnectHandshake(t *testing.T) {
	server := backendtest.NewServer("youshallnotpass")
	defer server.Close()

	n, rec := connectedNode(t, server, func(o *backend.Options) { o.ClientName = "voxlink-test" })

	assert.Equal(t, backend.StateConnected, n.State())
	assert.Equal(t, "session-1", n.SessionID())
	assert.False(t, n.Resumed())

	handshakes := server.Handshakes()
	require.Len(t, handshakes, 1)
	assert.Equal(t, "youshallnotpass", handshakes[0].Get("Authorization"))
	assert.Equal(t, "1234", handshakes[0].Get("User-Id"))
	assert.Equal(t, "voxlink-test", handshakes[0].Get("Client-Name"))
	assert.Empty(t, handshakes[0].Get("Session-Id"), "a fresh node does not try to resume")

	assert.Eventually(t, func() bool { return len(rec.snapshot().readies) == 1 }, waitFor, tick)
	trs := rec.snapshot().transitions
	require.GreaterOrEqual(t, len(trs), 2)
	assert.Equal(t, backend.StateConnecting, trs[0].to)
	assert.Equal(t, backend.StateConnected, trs[1].to)
}

func TestNode_ConnectUnauthorized(t *testing.T) {
	server := backendtest.NewServer("right")
	defer server.Close()

	opts := server.Options("main")
	opts.Password = "wrong"
	n := backend.NewNode(opts)

	err := n.Connect(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrUnauthorized), "got %v", err)
	assert.Equal(t, backend.StateDisconnected, n.State())
}

func TestNode_ConnectTimeoutWithoutReady(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()
	server.SkipReady(true)

	opts := server.Options("main")
	opts.ConnectTimeout = 150 * time.Millisecond
	n := backend.NewNode(opts)

	err := n.Connect(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrConnectionTimeout), "got %v", err)
	assert.Equal(t, backend.StateDisconnected, n.State())
}

func TestNode_ConnectUnreachable(t *testing.T) {
	server := backendtest.NewServer("pw")
	opts := server.Options("main")
	server.Close()

	n := backend.NewNode(opts)
	err := n.Connect(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrBackendUnavailable), "got %v", err)
	assert.Equal(t, backend.StateDisconnected, n.State())
}

func TestNode_ReconnectsAndResumesAfterDrop(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n, rec := connectedNode(t, server, nil)
	first := n.SessionID()

	server.Drop()

	assert.Eventually(t, func() bool {
		return len(server.Handshakes()) == 2 && n.State() == backend.StateConnected && n.SessionID() != ""
	}, waitFor, tick)

	handshakes := server.Handshakes()
	assert.Equal(t, first, handshakes[1].Get("Session-Id"), "reconnect presents the previous session")
	assert.Equal(t, first, n.SessionID())
	assert.True(t, n.Resumed())
	assert.Equal(t, 0, n.Attempts(), "successful open resets the attempt counter")

	var sawReconnecting bool
	for _, tr := range rec.snapshot().transitions {
		if tr.to == backend.StateReconnecting {
			sawReconnecting = true
			assert.Error(t, tr.err)
		}
	}
	assert.True(t, sawReconnecting)
}

func TestNode_EnablesResumingAfterReady(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	connectedNode(t, server, func(o *backend.Options) { o.ResumeTimeout = 45 * time.Second })

	assert.Eventually(t, func() bool { return len(server.SessionUpdates()) == 1 }, waitFor, tick)
	update := server.SessionUpdates()[0]
	assert.True(t, update.Resuming)
	assert.Equal(t, 45, update.Timeout)
}

func TestNode_NormalCloseDoesNotReconnect(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n, _ := connectedNode(t, server, nil)
	server.CloseNormally()

	assert.Eventually(t, func() bool { return n.State() == backend.StateDisconnected }, waitFor, tick)
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, server.Handshakes(), 1)
	assert.Empty(t, n.SessionID())
}

func TestNode_GivesUpAfterMaxAttempts(t *testing.T) {
	server := backendtest.NewServer("pw")
	n, rec := connectedNode(t, server, func(o *backend.Options) {
		o.MaxReconnectAttempts = 2
		o.ConnectTimeout = 200 * time.Millisecond
	})

	server.Close()

	assert.Eventually(t, func() bool {
		for _, tr := range rec.snapshot().transitions {
			if errors.Is(tr.err, backend.ErrMaxReconnectAttempts) {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, backend.StateDisconnected, n.State())

	reconnecting := 0
	for _, tr := range rec.snapshot().transitions {
		if tr.to == backend.StateReconnecting {
			reconnecting++
		}
	}
	assert.Equal(t, 2, reconnecting)
}

func TestNode_HeartbeatExpiryForcesReconnect(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	// The server pushes nothing after ready. An open socket alone is not liveness.
	n, _ := connectedNode(t, server, func(o *backend.Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.HeartbeatTimeout = 100 * time.Millisecond
	})

	assert.Eventually(t, func() bool { return len(server.Handshakes()) >= 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return n.State() == backend.StateConnected }, waitFor, tick)
}

func TestNode_TrafficKeepsConnectionAlive(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n, _ := connectedNode(t, server, func(o *backend.Options) {
		o.HeartbeatInterval = 30 * time.Millisecond
		o.HeartbeatTimeout = 100 * time.Millisecond
	})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if i%2 == 0 {
					server.SendStats(backend.Stats{Players: 1})
				} else {
					server.SendPlayerUpdate("1", backend.PlayerState{Connected: true})
				}
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	close(stop)
	<-done

	assert.Equal(t, backend.StateConnected, n.State())
	assert.Len(t, server.Handshakes(), 1)
}

func TestNode_ReconnectForgetsStats(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n, _ := connectedNode(t, server, nil)
	server.SendStats(backend.Stats{Players: 2, CPU: backend.CPU{Cores: 2}})
	require.Eventually(t, func() bool { return !math.IsInf(n.Penalty(), 1) }, waitFor, tick)

	server.Drop()
	require.Eventually(t, func() bool {
		return len(server.Handshakes()) == 2 && n.State() == backend.StateConnected
	}, waitFor, tick)

	assert.True(t, math.IsInf(n.Penalty(), 1), "stats from the previous socket do not count")
	assert.Nil(t, n.Stats())
}

func TestNode_DispatchesMessages(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n, rec := connectedNode(t, server, nil)

	server.SendPlayerUpdate("42", backend.PlayerState{Position: 1500, Connected: true, Ping: 12})
	server.SendEvent(backend.TrackEvent{
		Type:    backend.EventTrackEnd,
		GuildID: "42",
		Track:   &track.Track{Encoded: "A"},
		Reason:  backend.EndReasonFinished,
	})
	server.SendStats(backend.Stats{Players: 2, PlayingPlayers: 1, CPU: backend.CPU{Cores: 2}})

	assert.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s.updates) == 1 && len(s.events) == 1 && n.Stats() != nil
	}, waitFor, tick)

	s := rec.snapshot()
	assert.Equal(t, int64(1500), s.updates[0].State.Position)
	assert.Equal(t, backend.EventTrackEnd, s.events[0].Type)
	assert.Equal(t, backend.EndReasonFinished, s.events[0].Reason)
	assert.InDelta(t, 4.0, n.Penalty(), 1e-9)
}

func TestNode_RESTRequiresSession(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n := backend.NewNode(server.Options("main"))
	_, err := n.UpdatePlayer(context.Background(), snowflake.ID(42), backend.PlayerUpdateRequest{}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrNoSession))

	err = n.DestroyPlayer(context.Background(), snowflake.ID(42))
	assert.True(t, errors.Is(err, backend.ErrNoSession))
}

func TestNode_RESTWithSession(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n, _ := connectedNode(t, server, nil)

	volume := 500
	p, err := n.UpdatePlayer(context.Background(), snowflake.ID(42), backend.PlayerUpdateRequest{Volume: &volume}, true)
	require.NoError(t, err)
	assert.Equal(t, 500, p.Volume)

	updates := server.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, n.SessionID(), updates[0].SessionID)
	assert.Equal(t, "42", updates[0].GuildID)
	assert.True(t, updates[0].NoReplace)

	require.NoError(t, n.DestroyPlayer(context.Background(), snowflake.ID(42)))
	assert.Equal(t, []string{"42"}, server.Destroyed())

	stats, err := n.FetchStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.CPU.Cores)
	assert.False(t, math.IsInf(n.Penalty(), 1))

	info, err := n.Info(context.Background())
	require.NoError(t, err)
	assert.True(t, info.HasSource("youtube"))

	version, err := n.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4.0.0-test", version)
}

func TestNode_RESTFailsAfterClose(t *testing.T) {
	server := backendtest.NewServer("pw")
	defer server.Close()

	n, _ := connectedNode(t, server, nil)
	n.Close()

	_, err := n.UpdatePlayer(context.Background(), snowflake.ID(1), backend.PlayerUpdateRequest{}, false)
	assert.True(t, errors.Is(err, backend.ErrNoSession))
	assert.True(t, math.IsInf(n.Penalty(), 1))
	assert.Equal(t, backend.StateDisconnected, n.State())
}
