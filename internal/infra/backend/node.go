// Package backend provides the connection to a single audio node: the socket state
// machine, heartbeat supervision, reconnection with backoff, and the REST binding.
package backend

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/domain/track"
)

const closeWriteWait = time.Second

// Options configures a node.
type Options struct {
	Name     string
	Host     string
	Port     int
	Password string
	Secure   bool
	Region   string

	ClientName           string
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 retries forever
	ResumeTimeout        time.Duration
	RequestsPerSecond    float64
	RequestBurst         int
}

func (o *Options) applyDefaults() {
	if o.ClientName == "" {
		o.ClientName = "voxlink"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
}

// Listener observes a node. Calls for one node are never concurrent and arrive in order.
type Listener interface {
	OnReady(n *Node, ready Ready)
	OnPlayerUpdate(n *Node, update PlayerUpdate)
	OnTrackEvent(n *Node, event TrackEvent)
	OnStateChange(n *Node, from, to State, err error)
}

// NopListener ignores every callback. Embed it to implement a subset of Listener.
type NopListener struct{}

func (NopListener) OnReady(*Node, Ready) {}
func (NopListener) OnPlayerUpdate(*Node, PlayerUpdate) {}
func (NopListener) OnTrackEvent(*Node, TrackEvent) {}
func (NopListener) OnStateChange(*Node, State, State, error) {}

// Node is one audio node connection.
type Node struct {
	opts    Options
	rest    *Client
	dialer  *websocket.Dialer
	backoff Backoff

	mu             sync.RWMutex
	listener       Listener
	state          State
	userID         string
	conn           *websocket.Conn
	stop           chan struct{} // Closed when the current socket is torn down
	readyCh        chan Ready    // Non-nil while an opener waits for the ready op
	sessionID      string
	lastSessionID  string
	resumed        bool
	stats          *Stats
	attempts       int
	lastSeen       time.Time
	reconnectTimer *time.Timer
	closed         bool

	// Listener callbacks are queued under mu and drained by one flusher at a time.
	pending []func(Listener)
	emitMu  sync.Mutex
}

// NewNode creates a disconnected node.
func NewNode(opts Options) *Node {
	opts.applyDefaults()
	n := &Node{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout, Proxy: http.ProxyFromEnvironment},
		backoff:  NewBackoff(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay),
		listener: NopListener{},
		state:    StateDisconnected,
	}
	n.rest = NewClient(n.restURL(), opts.Password, opts.RequestTimeout, opts.RequestsPerSecond, opts.RequestBurst)
	return n
}

// Name returns the unique node name.
func (n *Node) Name() string { return n.opts.Name }

// Region returns the configured region.
func (n *Node) Region() string { return n.opts.Region }

// Options returns the node options with defaults applied.
func (n *Node) Options() Options { return n.opts }

// SetListener installs the observer. A nil listener ignores callbacks.
func (n *Node) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	n.mu.Lock()
	n.listener = l
	n.mu.Unlock()
}

// State returns the connection state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SessionID returns the current session id, empty when no session is established.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Resumed reports whether the current session resumed a previous one.
func (n *Node) Resumed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.resumed
}

// Stats returns the last load report, nil if none was received.
func (n *Node) Stats() *Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stats == nil {
		return nil
	}
	s := *n.stats
	return &s
}

// Attempts returns the number of reconnect attempts since the last successful open.
func (n *Node) Attempts() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attempts
}

// Penalty returns the load score, +Inf when the node cannot take players.
func (n *Node) Penalty() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateConnected || n.stats == nil {
		return math.Inf(1)
	}
	return Penalty(n.stats)
}

// Connect opens the socket and waits for the session to be ready.
func (n *Node) Connect(ctx context.Context, userID string) error {
	n.mu.Lock()
	if n.state == StateConnected || n.state == StateConnecting {
		n.mu.Unlock()
		return nil
	}
	n.userID = userID
	n.closed = false
	n.attempts = 0
	n.stopReconnectLocked()
	n.setStateLocked(StateConnecting, nil)
	n.mu.Unlock()
	n.flush()

	if err := n.open(ctx); err != nil {
		n.mu.Lock()
		n.setStateLocked(StateDisconnected, err)
		n.mu.Unlock()
		n.flush()
		return err
	}
	return nil
}

// Close disconnects without reconnecting.
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	n.stopReconnectLocked()
	conn := n.detachLocked()
	n.readyCh = nil
	if n.state != StateDisconnected {
		n.setStateLocked(StateDisconnected, nil)
	}
	n.mu.Unlock()
	n.flush()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		_ = conn.Close()
	}
	zlog.Info().Msgf("node closed: node=%s", n.opts.Name)
}

func (n *Node) open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.ConnectTimeout)
	defer cancel()

	n.mu.RLock()
	header := n.handshakeHeaderLocked()
	n.mu.RUnlock()

	conn, resp, err := n.dialer.DialContext(ctx, n.socketURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return n.classifyDialError(ctx, resp, err)
	}

	ready := make(chan Ready, 1)
	stop := make(chan struct{})

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = conn.Close()
		return errors.Wrapf(ErrClosed, "node %s", n.opts.Name)
	}
	n.conn = conn
	n.stop = stop
	n.readyCh = ready
	n.sessionID = ""
	n.stats = nil
	n.attempts = 0
	n.lastSeen = time.Now()
	n.setStateLocked(StateConnected, nil)
	n.mu.Unlock()
	n.flush()

	go n.readLoop(conn)
	go n.heartbeatLoop(conn, stop)

	select {
	case r := <-ready:
		zlog.Info().Msgf("node ready: node=%s session=%s resumed=%t", n.opts.Name, r.SessionID, r.Resumed)
		return nil
	case <-stop:
		n.mu.Lock()
		n.readyCh = nil
		n.mu.Unlock()
		return errors.Mark(errors.Newf("node %s closed the socket before ready", n.opts.Name), ErrBackendUnavailable)
	case <-ctx.Done():
		n.mu.Lock()
		n.readyCh = nil
		stale := n.conn == conn
		if stale {
			n.detachLocked()
		}
		n.mu.Unlock()
		if stale {
			_ = conn.Close()
		}
		return errors.Mark(errors.Newf("node %s sent no ready within %s", n.opts.Name, n.opts.ConnectTimeout), ErrConnectionTimeout)
	}
}

func (n *Node) classifyDialError(ctx context.Context, resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return errors.Mark(errors.Wrapf(err, "node %s rejected the handshake", n.opts.Name), ErrUnauthorized)
	}
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Mark(errors.Wrapf(err, "node %s connect", n.opts.Name), ErrConnectionTimeout)
	}
	return errors.Mark(errors.Wrapf(err, "node %s connect", n.opts.Name), ErrBackendUnavailable)
}

func (n *Node) handshakeHeaderLocked() http.Header {
	h := http.Header{}
	h.Set("Authorization", n.opts.Password)
	h.Set("User-Id", n.userID)
	h.Set("Client-Name", n.opts.ClientName)
	if n.lastSessionID != "" {
		h.Set("Session-Id", n.lastSessionID)
	}
	return h
}

func (n *Node) socketURL() string {
	scheme := "ws"
	if n.opts.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port)), Path: apiVersion + "/websocket"}
	return u.String()
}

func (n *Node) restURL() string {
	scheme := "http"
	if n.opts.Secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port))}
	return u.String()
}

func (n *Node) touch() {
	n.mu.Lock()
	n.lastSeen = time.Now()
	n.mu.Unlock()
}

func (n *Node) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.handleDisconnect(conn, err)
			return
		}
		n.touch()
		n.handleMessage(data)
	}
}

func (n *Node) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.mu.RLock()
			silent := time.Since(n.lastSeen)
			n.mu.RUnlock()
			if silent > n.opts.HeartbeatTimeout {
				zlog.Warn().Msgf("node heartbeat expired: node=%s silent=%s", n.opts.Name, silent.Round(time.Millisecond))
				_ = conn.Close()
				return
			}
		}
	}
}

func (n *Node) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		zlog.Warn().Err(err).Msgf("node sent malformed message: node=%s", n.opts.Name)
		return
	}

	switch msg.Op {
	case OpReady:
		var r Ready
		if err := json.Unmarshal(data, &r); err != nil {
			zlog.Warn().Err(err).Msgf("malformed ready: node=%s", n.opts.Name)
			return
		}
		n.handleReady(r)
	case OpPlayerUpdate:
		var u PlayerUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			zlog.Warn().Err(err).Msgf("malformed playerUpdate: node=%s", n.opts.Name)
			return
		}
		n.emit(func(l Listener) { l.OnPlayerUpdate(n, u) })
	case OpStats:
		var s Stats
		if err := json.Unmarshal(data, &s); err != nil {
			zlog.Warn().Err(err).Msgf("malformed stats: node=%s", n.opts.Name)
			return
		}
		n.mu.Lock()
		n.stats = &s
		n.mu.Unlock()
	case OpEvent:
		var e TrackEvent
		if err := json.Unmarshal(data, &e); err != nil {
			zlog.Warn().Err(err).Msgf("malformed event: node=%s", n.opts.Name)
			return
		}
		n.emit(func(l Listener) { l.OnTrackEvent(n, e) })
	default:
		zlog.Debug().Msgf("node sent unknown op: node=%s op=%s", n.opts.Name, msg.Op)
	}
}

func (n *Node) handleReady(r Ready) {
	n.mu.Lock()
	n.sessionID = r.SessionID
	n.lastSessionID = r.SessionID
	n.resumed = r.Resumed
	ch := n.readyCh
	n.readyCh = nil
	n.pending = append(n.pending, func(l Listener) { l.OnReady(n, r) })
	n.mu.Unlock()

	if ch != nil {
		ch <- r
	}
	n.flush()

	if n.opts.ResumeTimeout > 0 {
		go n.configureResume(r.SessionID)
	}
}

func (n *Node) configureResume(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.RequestTimeout)
	defer cancel()

	update := SessionUpdate{Resuming: true, Timeout: int(n.opts.ResumeTimeout / time.Second)}
	if _, err := n.rest.UpdateSession(ctx, sessionID, update); err != nil {
		zlog.Warn().Err(err).Msgf("failed to enable resuming: node=%s", n.opts.Name)
	}
}

func (n *Node) handleDisconnect(conn *websocket.Conn, err error) {
	n.mu.Lock()
	if n.conn != conn {
		n.mu.Unlock()
		return
	}
	n.detachLocked()

	switch {
	case n.closed:
		n.setStateLocked(StateDisconnected, nil)
	case n.readyCh != nil:
		// The opener still waits for ready and owns the failure.
	case isNormalClose(err):
		zlog.Info().Msgf("node closed the socket: node=%s", n.opts.Name)
		n.setStateLocked(StateDisconnected, nil)
	default:
		zlog.Warn().Err(err).Msgf("node socket dropped: node=%s", n.opts.Name)
		n.scheduleReconnectLocked(err)
	}
	n.mu.Unlock()
	n.flush()
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

// detachLocked forgets the current socket and stops its heartbeat.
func (n *Node) detachLocked() *websocket.Conn {
	conn := n.conn
	n.conn = nil
	n.sessionID = ""
	if n.stop != nil {
		close(n.stop)
		n.stop = nil
	}
	return conn
}

func (n *Node) scheduleReconnectLocked(cause error) {
	if cause == nil {
		cause = errors.New("connection lost")
	}
	if n.opts.MaxReconnectAttempts > 0 && n.attempts >= n.opts.MaxReconnectAttempts {
		err := errors.Mark(errors.Wrapf(cause, "node %s gave up after %d attempts", n.opts.Name, n.attempts), ErrMaxReconnectAttempts)
		zlog.Error().Err(err).Msgf("node reconnect exhausted: node=%s", n.opts.Name)
		n.setStateLocked(StateDisconnected, err)
		return
	}

	delay := n.backoff.Delay(n.attempts)
	n.attempts++
	zlog.Info().Msgf("node reconnect scheduled: node=%s attempt=%d delay=%s", n.opts.Name, n.attempts, delay.Round(time.Millisecond))
	n.setStateLocked(StateReconnecting, cause)
	n.reconnectTimer = time.AfterFunc(delay, n.reconnect)
}

func (n *Node) stopReconnectLocked() {
	if n.reconnectTimer != nil {
		n.reconnectTimer.Stop()
		n.reconnectTimer = nil
	}
}

func (n *Node) reconnect() {
	n.mu.Lock()
	if n.closed || n.state != StateReconnecting {
		n.mu.Unlock()
		return
	}
	n.reconnectTimer = nil
	n.setStateLocked(StateConnecting, nil)
	n.mu.Unlock()
	n.flush()

	if err := n.open(context.Background()); err != nil {
		n.mu.Lock()
		if n.closed {
			n.setStateLocked(StateDisconnected, nil)
		} else {
			n.scheduleReconnectLocked(err)
		}
		n.mu.Unlock()
		n.flush()
	}
}

func (n *Node) setStateLocked(to State, err error) {
	from := n.state
	if from == to && err == nil {
		return
	}
	n.state = to
	zlog.Debug().Msgf("node state: node=%s from=%s to=%s", n.opts.Name, from, to)
	n.pending = append(n.pending, func(l Listener) { l.OnStateChange(n, from, to, err) })
}

func (n *Node) emit(fn func(Listener)) {
	n.mu.Lock()
	n.pending = append(n.pending, fn)
	n.mu.Unlock()
	n.flush()
}

// flush delivers queued callbacks. A flush requested while another one runs,
// including from inside a callback, is picked up by the running flusher.
func (n *Node) flush() {
	for {
		if !n.emitMu.TryLock() {
			return
		}
		n.drain()
		n.emitMu.Unlock()

		// A callback queued between the last drain and the unlock found emitMu held.
		n.mu.RLock()
		more := len(n.pending) > 0
		n.mu.RUnlock()
		if !more {
			return
		}
	}
}

func (n *Node) drain() {
	for {
		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		l := n.listener
		n.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn(l)
		}
	}
}

// session returns the session id REST calls must be bound to.
func (n *Node) session() (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateConnected || n.sessionID == "" {
		return "", errors.Wrapf(ErrNoSession, "node %s is %s", n.opts.Name, n.state)
	}
	return n.sessionID, nil
}

// verifySession fails when the session changed while a call was in flight.
func (n *Node) verifySession(sessionID string) error {
	if current := n.SessionID(); current != sessionID {
		return errors.Wrapf(ErrNoSession, "node %s session %s expired during the request", n.opts.Name, sessionID)
	}
	return nil
}

// LoadTracks resolves an identifier or search query.
func (n *Node) LoadTracks(ctx context.Context, identifier string) (*track.LoadResult, error) {
	res, err := n.rest.LoadTracks(ctx, identifier)
	return res, errors.Wrapf(err, "node %s", n.opts.Name)
}

// DecodeTrack decodes an encoded track.
func (n *Node) DecodeTrack(ctx context.Context, encoded string) (*track.Track, error) {
	t, err := n.rest.DecodeTrack(ctx, encoded)
	return t, errors.Wrapf(err, "node %s", n.opts.Name)
}

// DecodeTracks decodes several encoded tracks.
func (n *Node) DecodeTracks(ctx context.Context, encoded []string) ([]track.Track, error) {
	tracks, err := n.rest.DecodeTracks(ctx, encoded)
	return tracks, errors.Wrapf(err, "node %s", n.opts.Name)
}

// GetPlayers returns the players of the current session.
func (n *Node) GetPlayers(ctx context.Context) ([]Player, error) {
	sid, err := n.session()
	if err != nil {
		return nil, err
	}
	players, err := n.rest.GetPlayers(ctx, sid)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", n.opts.Name)
	}
	return players, n.verifySession(sid)
}

// GetPlayer returns the player of a guild.
func (n *Node) GetPlayer(ctx context.Context, guildID snowflake.ID) (*Player, error) {
	sid, err := n.session()
	if err != nil {
		return nil, err
	}
	p, err := n.rest.GetPlayer(ctx, sid, guildID.String())
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", n.opts.Name)
	}
	return p, n.verifySession(sid)
}

// UpdatePlayer creates or updates the player of a guild.
func (n *Node) UpdatePlayer(ctx context.Context, guildID snowflake.ID, req PlayerUpdateRequest, noReplace bool) (*Player, error) {
	sid, err := n.session()
	if err != nil {
		return nil, err
	}
	p, err := n.rest.UpdatePlayer(ctx, sid, guildID.String(), req, noReplace)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", n.opts.Name)
	}
	if err := n.verifySession(sid); err != nil {
		return nil, err
	}
	return p, nil
}

// DestroyPlayer deletes the player of a guild.
func (n *Node) DestroyPlayer(ctx context.Context, guildID snowflake.ID) error {
	sid, err := n.session()
	if err != nil {
		return err
	}
	if err := n.rest.DestroyPlayer(ctx, sid, guildID.String()); err != nil {
		return errors.Wrapf(err, "node %s", n.opts.Name)
	}
	return n.verifySession(sid)
}

// UpdateSession configures resuming for the current session.
func (n *Node) UpdateSession(ctx context.Context, update SessionUpdate) (*SessionUpdate, error) {
	sid, err := n.session()
	if err != nil {
		return nil, err
	}
	out, err := n.rest.UpdateSession(ctx, sid, update)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", n.opts.Name)
	}
	return out, n.verifySession(sid)
}

// FetchStats requests a fresh load report and stores it.
func (n *Node) FetchStats(ctx context.Context) (*Stats, error) {
	s, err := n.rest.Stats(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", n.opts.Name)
	}
	n.mu.Lock()
	n.stats = s
	n.mu.Unlock()
	out := *s
	return &out, nil
}

// Info returns node version and capabilities.
func (n *Node) Info(ctx context.Context) (*Info, error) {
	info, err := n.rest.Info(ctx)
	return info, errors.Wrapf(err, "node %s", n.opts.Name)
}

// Version returns the node version string.
func (n *Node) Version(ctx context.Context) (string, error) {
	v, err := n.rest.Version(ctx)
	return v, errors.Wrapf(err, "node %s", n.opts.Name)
}
