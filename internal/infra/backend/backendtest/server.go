// Package backendtest provides an in-process audio node speaking the socket and REST
// protocol, for tests.
package backendtest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// Update is a recorded player update.
type Update struct {
	SessionID string
	GuildID   string
	NoReplace bool
	Request   backend.PlayerUpdateRequest
}

// Server is a fake node.
type Server struct {
	*httptest.Server
	Password string

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       []*websocket.Conn
	sessionSeq  int
	sessions    map[string]bool
	handshakes  []http.Header
	updates     []Update
	destroyed   []string
	sessionCfg  []backend.SessionUpdate
	loads       map[string]loadReply
	stats       backend.Stats
	statsCalls  int
	failStatus  int
	failCount   int
	updateDelay time.Duration
	skipReady   bool
}

type loadReply struct {
	LoadType track.LoadType `json:"loadType"`
	Data     any            `json:"data"`
}

// NewServer starts a fake node accepting the given password.
func NewServer(password string) *Server {
	s := &Server{
		Password: password,
		sessions: map[string]bool{},
		loads:    map[string]loadReply{},
		stats:    backend.Stats{CPU: backend.CPU{Cores: 4}, Memory: backend.Memory{Reservable: 1 << 30}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v4/websocket", s.handleSocket)
	mux.HandleFunc("GET /v4/loadtracks", s.auth(s.handleLoad))
	mux.HandleFunc("GET /v4/stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /v4/info", s.auth(s.handleInfo))
	mux.HandleFunc("GET /version", s.auth(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("4.0.0-test"))
	}))
	mux.HandleFunc("PATCH /v4/sessions/{sid}", s.auth(s.handleSession))
	mux.HandleFunc("GET /v4/sessions/{sid}/players", s.auth(s.handlePlayers))
	mux.HandleFunc("PATCH /v4/sessions/{sid}/players/{gid}", s.auth(s.handleUpdate))
	mux.HandleFunc("DELETE /v4/sessions/{sid}/players/{gid}", s.auth(s.handleDestroy))

	s.Server = httptest.NewServer(mux)
	return s
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Listener.Addr().String())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Options returns node options pointing at this server.
func (s *Server) Options(name string) backend.Options {
	return backend.Options{
		Name:           name,
		Host:           s.Host(),
		Port:           s.Port(),
		Password:       s.Password,
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	}
}

// SkipReady stops the server from sending the ready op on new sockets.
func (s *Server) SkipReady(skip bool) {
	s.mu.Lock()
	s.skipReady = skip
	s.mu.Unlock()
}

// SetLoad registers the response for an identifier.
func (s *Server) SetLoad(identifier string, loadType track.LoadType, data any) {
	s.mu.Lock()
	s.loads[identifier] = loadReply{LoadType: loadType, Data: data}
	s.mu.Unlock()
}

// SetStats sets the load report returned by the stats endpoint.
func (s *Server) SetStats(stats backend.Stats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

// FailUpdates makes the next n player updates fail with status.
func (s *Server) FailUpdates(status, n int) {
	s.mu.Lock()
	s.failStatus = status
	s.failCount = n
	s.mu.Unlock()
}

// DelayUpdates delays every player update.
func (s *Server) DelayUpdates(d time.Duration) {
	s.mu.Lock()
	s.updateDelay = d
	s.mu.Unlock()
}

// Updates returns the recorded player updates.
func (s *Server) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

// Destroyed returns the guild ids of deleted players.
func (s *Server) Destroyed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.destroyed...)
}

// Handshakes returns the headers of every socket handshake.
func (s *Server) Handshakes() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.handshakes...)
}

// SessionUpdates returns the recorded session configuration calls.
func (s *Server) SessionUpdates() []backend.SessionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.SessionUpdate(nil), s.sessionCfg...)
}

// StatsCalls returns how often the stats endpoint was hit.
func (s *Server) StatsCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsCalls
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send writes a message to every open socket.
func (s *Server) Send(v any) {
	data, _ := json.Marshal(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
}

// SendStats pushes a stats op.
func (s *Server) SendStats(stats backend.Stats) {
	s.Send(struct {
		Op backend.Op `json:"op"`
		backend.Stats
	}{Op: backend.OpStats, Stats: stats})
}

// SendPlayerUpdate pushes a playerUpdate op.
func (s *Server) SendPlayerUpdate(guildID string, state backend.PlayerState) {
	s.Send(struct {
		Op      backend.Op          `json:"op"`
		GuildID string              `json:"guildId"`
		State   backend.PlayerState `json:"state"`
	}{Op: backend.OpPlayerUpdate, GuildID: guildID, State: state})
}

// SendEvent pushes an event op.
func (s *Server) SendEvent(ev backend.TrackEvent) {
	s.Send(struct {
		Op backend.Op `json:"op"`
		backend.TrackEvent
	}{Op: backend.OpEvent, TrackEvent: ev})
}

// Drop closes every socket without a close frame.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// CloseNormally closes every socket with a normal close frame.
func (s *Server) CloseNormally() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.Close()
	}
}

// Close drops sockets and stops the server.
func (s *Server) Close() {
	s.Drop()
	s.Server.Close()
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != s.Password {
			writeError(w, r, http.StatusUnauthorized, "bad password")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != s.Password {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.handshakes = append(s.handshakes, r.Header.Clone())
	sessionID := r.Header.Get("Session-Id")
	resumed := sessionID != "" && s.sessions[sessionID]
	if !resumed {
		s.sessionSeq++
		sessionID = "session-" + strconv.Itoa(s.sessionSeq)
		s.sessions[sessionID] = true
	}
	s.conns = append(s.conns, conn)
	skip := s.skipReady
	if !skip {
		ready, _ := json.Marshal(map[string]any{"op": backend.OpReady, "resumed": resumed, "sessionId": sessionID})
		_ = conn.WriteMessage(websocket.TextMessage, ready)
	}
	s.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.forget(conn)
				return
			}
		}
	}()
}

func (s *Server) forget(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reply, ok := s.loads[r.URL.Query().Get("identifier")]
	s.mu.Unlock()
	if !ok {
		reply = loadReply{LoadType: track.LoadTypeEmpty, Data: map[string]any{}}
	}
	writeJSON(w, reply)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.statsCalls++
	stats := s.stats
	s.mu.Unlock()
	writeJSON(w, stats)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"version":        map[string]any{"semver": "4.0.0-test", "major": 4},
		"sourceManagers": []string{"youtube", "soundcloud", "http"},
		"filters":        []string{"volume", "equalizer"},
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.knownSession(r.PathValue("sid")) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	var update backend.SessionUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.sessionCfg = append(s.sessionCfg, update)
	s.mu.Unlock()
	writeJSON(w, update)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if !s.knownSession(r.PathValue("sid")) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, []backend.Player{})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.knownSession(r.PathValue("sid")) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	var req backend.PlayerUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	delay := s.updateDelay
	status := 0
	if s.failCount > 0 {
		s.failCount--
		status = s.failStatus
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		writeError(w, r, status, "injected failure")
		return
	}

	s.mu.Lock()
	s.updates = append(s.updates, Update{
		SessionID: r.PathValue("sid"),
		GuildID:   r.PathValue("gid"),
		NoReplace: r.URL.Query().Get("noReplace") == "true",
		Request:   req,
	})
	s.mu.Unlock()

	player := backend.Player{GuildID: r.PathValue("gid"), Volume: 100}
	if req.Volume != nil {
		player.Volume = *req.Volume
	}
	if req.Paused != nil {
		player.Paused = *req.Paused
	}
	writeJSON(w, player)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if !s.knownSession(r.PathValue("sid")) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	s.mu.Lock()
	s.destroyed = append(s.destroyed, r.PathValue("gid"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) knownSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"error":   http.StatusText(status),
		"message": msg,
		"path":    r.URL.Path,
	})
}
