package connect

import (
	"context"
	"math"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/filter"
	"github.com/osa030/voxlink/internal/app/notification"
	"github.com/osa030/voxlink/internal/app/player"
	"github.com/osa030/voxlink/internal/app/pool"
	"github.com/osa030/voxlink/internal/app/session"
	"github.com/osa030/voxlink/internal/domain/track"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// ErrTrackRejected is returned when a filter refuses a requested track.
var ErrTrackRejected = errors.New("track rejected")

// ControlService implements the control API.
type ControlService struct {
	sessions     *session.Manager
	pool         *pool.Pool
	notifier     *notification.Manager
	filters      *filter.Chain
	nodeTemplate backend.Options

	closeOnce sync.Once
	done      chan struct{}
}

// NewControlService creates the control service. nodeTemplate supplies the connection
// timings of nodes added at runtime. filters may be nil.
func NewControlService(sessions *session.Manager, p *pool.Pool, notifier *notification.Manager, filters *filter.Chain, nodeTemplate backend.Options) *ControlService {
	return &ControlService{
		sessions:     sessions,
		pool:         p,
		notifier:     notifier,
		filters:      filters,
		nodeTemplate: nodeTemplate,
		done:         make(chan struct{}),
	}
}

// Close ends open event streams.
func (s *ControlService) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ControlService) player(guildID snowflake.ID) (*session.Session, error) {
	if guildID == 0 {
		return nil, invalidArgument("guild_id is required")
	}
	return s.sessions.Get(guildID)
}

// Sessions

// CreateSession starts a session for a guild.
func (s *ControlService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionResponse, error) {
	if req.GuildID == 0 {
		return nil, invalidArgument("guild_id is required")
	}
	sess, err := s.sessions.Create(ctx, session.CreateOptions{
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		Region:    req.Region,
		Node:      req.Node,
		SelfDeaf:  req.SelfDeaf,
	})
	if err != nil {
		return nil, err
	}
	return &SessionResponse{Session: sessionInfo(sess)}, nil
}

// GetSession returns a session.
func (s *ControlService) GetSession(_ context.Context, req *GuildRequest) (*SessionResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &SessionResponse{Session: sessionInfo(sess)}, nil
}

// DestroySession ends a session.
func (s *ControlService) DestroySession(ctx context.Context, req *GuildRequest) (*Empty, error) {
	if req.GuildID == 0 {
		return nil, invalidArgument("guild_id is required")
	}
	if err := s.sessions.Destroy(ctx, req.GuildID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ListSessions returns every session.
func (s *ControlService) ListSessions(context.Context, *Empty) (*ListSessionsResponse, error) {
	list := s.sessions.List()
	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionInfo(sess))
	}
	return &ListSessionsResponse{Sessions: out}, nil
}

// MoveSession moves a session to another node.
func (s *ControlService) MoveSession(ctx context.Context, req *MoveSessionRequest) (*SessionResponse, error) {
	if req.Node == "" {
		return nil, invalidArgument("node is required")
	}
	if err := s.sessions.Move(ctx, req.GuildID, req.Node); err != nil {
		return nil, err
	}
	return s.GetSession(ctx, &GuildRequest{GuildID: req.GuildID})
}

// Playback

// Play resolves a track and plays it right away, replacing the current one.
func (s *ControlService) Play(ctx context.Context, req *PlayRequest) (*TrackResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	t, err := s.resolve(ctx, sess, req.Identifier, req.Encoded)
	if err != nil {
		return nil, err
	}
	if req.Requester != "" {
		t = t.WithRequester(req.Requester)
	}
	if res := s.filters.Execute(ctx, t, sess.Player, filter.OriginUser); !res.Accepted {
		return nil, errors.Mark(errors.Newf("track %q rejected: %s", t.Info.Title, res.Code), ErrTrackRejected)
	}

	err = sess.Player.Play(ctx, player.PlayOptions{
		Track:     &t,
		StartTime: time.Duration(req.StartMs) * time.Millisecond,
		EndTime:   time.Duration(req.EndMs) * time.Millisecond,
		NoReplace: req.NoReplace,
	})
	if err != nil {
		return nil, err
	}
	return &TrackResponse{Track: &t}, nil
}

// resolve turns an encoded track or a load identifier into one track.
func (s *ControlService) resolve(ctx context.Context, sess *session.Session, identifier, encoded string) (track.Track, error) {
	if encoded != "" {
		node, ok := s.pool.Get(sess.Player.Node())
		if !ok {
			return track.Track{}, errors.Wrapf(pool.ErrNodeNotFound, "node %s", sess.Player.Node())
		}
		t, err := node.DecodeTrack(ctx, encoded)
		if err != nil {
			return track.Track{}, err
		}
		return *t, nil
	}
	if identifier == "" {
		return track.Track{}, invalidArgument("identifier or encoded is required")
	}
	res, err := sess.Player.Load(ctx, identifier)
	if err != nil {
		return track.Track{}, err
	}
	if err := loadError(res); err != nil {
		return track.Track{}, err
	}
	t, ok := res.Selected()
	if !ok {
		return track.Track{}, invalidArgument("no track found for %q", identifier)
	}
	return t, nil
}

func loadError(res *track.LoadResult) error {
	if res.LoadType != track.LoadTypeError {
		return nil
	}
	msg := "unknown error"
	if res.Exception != nil {
		msg = res.Exception.Message
	}
	return invalidArgument("load failed: %s", msg)
}

// Pause sets the pause state.
func (s *ControlService) Pause(ctx context.Context, req *PauseRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &Empty{}, sess.Player.Pause(ctx, req.Paused)
}

// Stop stops the current track.
func (s *ControlService) Stop(ctx context.Context, req *GuildRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &Empty{}, sess.Player.Stop(ctx)
}

// Skip plays the next queued track, or stops when the queue is empty.
func (s *ControlService) Skip(ctx context.Context, req *GuildRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &Empty{}, sess.Player.Skip(ctx)
}

// Previous plays the previous track.
func (s *ControlService) Previous(ctx context.Context, req *GuildRequest) (*PreviousResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	played, err := sess.Player.Previous(ctx)
	if err != nil {
		return nil, err
	}
	return &PreviousResponse{Played: played}, nil
}

// Seek seeks the current track.
func (s *ControlService) Seek(ctx context.Context, req *SeekRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &Empty{}, sess.Player.Seek(ctx, time.Duration(req.PositionMs)*time.Millisecond)
}

// SetVolume sets the volume.
func (s *ControlService) SetVolume(ctx context.Context, req *VolumeRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &Empty{}, sess.Player.SetVolume(ctx, req.Volume)
}

// SetLoop sets the loop mode.
func (s *ControlService) SetLoop(_ context.Context, req *LoopRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	mode, err := player.ParseLoopMode(req.Mode)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}
	sess.Player.SetLoop(mode)
	return &Empty{}, nil
}

// SetAutoplay toggles autoplay.
func (s *ControlService) SetAutoplay(_ context.Context, req *AutoplayRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	sess.Player.SetAutoplay(req.Enabled)
	return &Empty{}, nil
}

// SetFilters replaces the audio filters.
func (s *ControlService) SetFilters(ctx context.Context, req *FiltersRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &Empty{}, sess.Player.SetFilters(ctx, req.Filters)
}

// Queue

// Enqueue loads an identifier and appends the tracks the filters accept. Playlists
// add every track, searches only the first hit.
func (s *ControlService) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	if req.Identifier == "" {
		return nil, invalidArgument("identifier is required")
	}
	res, err := sess.Player.Load(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	if err := loadError(res); err != nil {
		return nil, err
	}

	candidates := res.Candidates()
	resp := &EnqueueResponse{Added: []track.Track{}}
	switch res.LoadType {
	case track.LoadTypeSearch, track.LoadTypeTrack:
		if len(candidates) > 1 {
			candidates = candidates[:1]
		}
	case track.LoadTypePlaylist:
		if res.Playlist != nil {
			resp.Playlist = res.Playlist.Name
		}
	}

	for _, t := range candidates {
		if req.Requester != "" {
			t = t.WithRequester(req.Requester)
		}
		// Checked one at a time so the filters see earlier additions.
		if r := s.filters.Execute(ctx, t, sess.Player, filter.OriginUser); !r.Accepted {
			resp.Rejected = append(resp.Rejected, RejectedTrack{Track: t, Code: r.Code})
			continue
		}
		resp.QueueLength = sess.Player.Enqueue(t)
		resp.Added = append(resp.Added, t)
	}
	if len(resp.Added) == 0 {
		resp.QueueLength = sess.Player.QueueLen()
	}

	if _, playing := sess.Player.Current(); req.PlayIfIdle && !playing && len(resp.Added) > 0 {
		if err := sess.Player.Play(ctx, player.PlayOptions{}); err != nil {
			return nil, err
		}
		resp.Started = true
		resp.QueueLength = sess.Player.QueueLen()
	}

	zlog.Debug().Msgf("api: enqueued: guild=%s added=%d rejected=%d", req.GuildID, len(resp.Added), len(resp.Rejected))
	return resp, nil
}

// RemoveTrack removes a queue entry.
func (s *ControlService) RemoveTrack(_ context.Context, req *RemoveTrackRequest) (*TrackResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	t, ok := sess.Player.Remove(req.Index)
	if !ok {
		return nil, errors.Wrapf(player.ErrOutOfBounds, "index %d", req.Index)
	}
	return &TrackResponse{Track: &t}, nil
}

// MoveTrack moves a queue entry.
func (s *ControlService) MoveTrack(_ context.Context, req *MoveTrackRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	if !sess.Player.Move(req.From, req.To) {
		return nil, errors.Wrapf(player.ErrOutOfBounds, "from %d to %d", req.From, req.To)
	}
	return &Empty{}, nil
}

// Shuffle shuffles the queue.
func (s *ControlService) Shuffle(_ context.Context, req *GuildRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	sess.Player.Shuffle()
	return &Empty{}, nil
}

// ClearQueue empties the queue.
func (s *ControlService) ClearQueue(_ context.Context, req *GuildRequest) (*CountResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: sess.Player.Clear()}, nil
}

// GetQueue returns the current track, the queue and the history.
func (s *ControlService) GetQueue(_ context.Context, req *GuildRequest) (*QueueResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	st := sess.Player.Status()
	return &QueueResponse{Current: st.Current, Queue: nonNil(st.Queue), History: st.History}, nil
}

// SaveQueue serializes the queue.
func (s *ControlService) SaveQueue(_ context.Context, req *GuildRequest) (*SaveQueueResponse, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	blob, err := sess.Player.SaveQueue()
	if err != nil {
		return nil, err
	}
	return &SaveQueueResponse{Blob: blob}, nil
}

// RestoreQueue restores a saved queue.
func (s *ControlService) RestoreQueue(ctx context.Context, req *RestoreQueueRequest) (*Empty, error) {
	sess, err := s.player(req.GuildID)
	if err != nil {
		return nil, err
	}
	return &Empty{}, sess.Player.RestoreQueue(ctx, req.Blob)
}

// Search and voice

// LoadTracks loads or searches tracks on a node.
func (s *ControlService) LoadTracks(ctx context.Context, req *LoadTracksRequest) (*LoadTracksResponse, error) {
	if req.Identifier == "" {
		return nil, invalidArgument("identifier is required")
	}
	var node *backend.Node
	if req.Node != "" {
		n, ok := s.pool.Get(req.Node)
		if !ok {
			return nil, errors.Wrapf(pool.ErrNodeNotFound, "node %s", req.Node)
		}
		node = n
	} else {
		n, err := s.pool.SelectBest(req.Region)
		if err != nil {
			return nil, err
		}
		node = n
	}

	res, err := node.LoadTracks(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	return &LoadTracksResponse{
		LoadType:  res.LoadType,
		Tracks:    res.Tracks,
		Playlist:  res.Playlist,
		Exception: res.Exception,
		Node:      node.Name(),
	}, nil
}

// VoiceServerUpdate forwards a voice server fragment from the host adapter.
func (s *ControlService) VoiceServerUpdate(ctx context.Context, req *VoiceServerRequest) (*Empty, error) {
	if req.GuildID == 0 {
		return nil, invalidArgument("guild_id is required")
	}
	return &Empty{}, s.sessions.HandleVoiceServerUpdate(ctx, req.GuildID, req.Token, req.Endpoint)
}

// VoiceStateUpdate forwards a voice state fragment from the host adapter.
func (s *ControlService) VoiceStateUpdate(ctx context.Context, req *VoiceStateRequest) (*Empty, error) {
	if req.GuildID == 0 {
		return nil, invalidArgument("guild_id is required")
	}
	return &Empty{}, s.sessions.HandleVoiceStateUpdate(ctx, req.GuildID, req.UserID, req.SessionID, req.ChannelID)
}

// Nodes

// AddNode registers and connects a node.
func (s *ControlService) AddNode(ctx context.Context, req *AddNodeRequest) (*NodeResponse, error) {
	if req.Name == "" || req.Host == "" {
		return nil, invalidArgument("name and host are required")
	}
	opts := s.nodeTemplate
	opts.Name = req.Name
	opts.Host = req.Host
	opts.Port = req.Port
	opts.Password = req.Password
	opts.Secure = req.Secure
	opts.Region = req.Region
	if opts.Port == 0 {
		opts.Port = 2333
	}

	n, err := s.pool.Add(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &NodeResponse{Node: s.nodeInfo(n)}, nil
}

// RemoveNode moves the node's sessions to other nodes and removes it.
func (s *ControlService) RemoveNode(ctx context.Context, req *NodeRequest) (*RemoveNodeResponse, error) {
	if _, ok := s.pool.Get(req.Name); !ok {
		return nil, errors.Wrapf(pool.ErrNodeNotFound, "node %s", req.Name)
	}
	moved, err := s.sessions.Drain(ctx, req.Name)
	if err != nil {
		zlog.Warn().Err(err).Msgf("api: some sessions stay on removed node: node=%s moved=%d", req.Name, moved)
	}
	if err := s.pool.Remove(req.Name); err != nil {
		return nil, err
	}
	return &RemoveNodeResponse{Moved: moved}, nil
}

// ListNodes returns every node.
func (s *ControlService) ListNodes(context.Context, *Empty) (*ListNodesResponse, error) {
	nodes := s.pool.Nodes()
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, s.nodeInfo(n))
	}
	return &ListNodesResponse{Nodes: out}, nil
}

// SelectNode returns the node a new session in the region would use.
func (s *ControlService) SelectNode(_ context.Context, req *SelectNodeRequest) (*NodeResponse, error) {
	n, err := s.pool.SelectBest(req.Region)
	if err != nil {
		return nil, err
	}
	return &NodeResponse{Node: s.nodeInfo(n)}, nil
}

// HealthCheck probes every node.
func (s *ControlService) HealthCheck(ctx context.Context, _ *Empty) (*HealthCheckResponse, error) {
	reports := s.pool.HealthCheck(ctx)
	out := make([]NodeHealth, 0, len(reports))
	for _, r := range reports {
		h := NodeHealth{
			Name:    r.Name,
			Region:  r.Region,
			State:   r.State.String(),
			Healthy: r.Healthy,
			Penalty: finite(r.Penalty),
			Stats:   r.Stats,
		}
		if r.Err != nil {
			h.Error = r.Err.Error()
		}
		out = append(out, h)
	}
	return &HealthCheckResponse{Nodes: out}, nil
}

// Stats aggregates node load and local counters.
func (s *ControlService) Stats(context.Context, *Empty) (*StatsResponse, error) {
	sum := s.pool.Summary()
	resp := &StatsResponse{
		Nodes:          sum.Nodes,
		Connected:      sum.Connected,
		Players:        sum.Players,
		PlayingPlayers: sum.PlayingPlayers,
		Sessions:       s.sessions.Count(),
	}
	if s.notifier != nil {
		resp.Subscribers = s.notifier.SubscriberCount()
	}
	return resp, nil
}

// Events

var errStreamClosed = errors.New("stream closed")

// streamAdapter serializes sends to a server stream and refuses them once the
// handler has returned.
type streamAdapter struct {
	mu     sync.Mutex
	stream *connect.ServerStream[notification.Notification]
	closed bool
}

func (a *streamAdapter) Send(n *notification.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errStreamClosed
	}
	return a.stream.Send(n)
}

func (a *streamAdapter) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// subscribe streams notifications until the caller goes away or the service closes.
func (s *ControlService) subscribe(ctx context.Context, req *connect.Request[SubscribeRequest], stream *connect.ServerStream[notification.Notification]) error {
	if s.notifier == nil {
		return connect.NewError(connect.CodeUnimplemented, errors.New("event stream is disabled"))
	}
	adapter := &streamAdapter{stream: stream}
	// Holding the adapter lock keeps broadcasts behind the greeting.
	adapter.mu.Lock()
	id := s.notifier.Subscribe(adapter, req.Msg.GuildID)
	err := stream.Send(&notification.Notification{
		Type:    notification.TypeSubscribed,
		GuildID: req.Msg.GuildID,
		Time:    time.Now(),
	})
	adapter.mu.Unlock()
	defer adapter.close()
	defer s.notifier.Unsubscribe(id)
	if err != nil {
		return err
	}
	zlog.Debug().Msgf("api: subscriber attached: id=%s guild=%s", id, req.Msg.GuildID)

	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return nil
}

// Read models

func sessionInfo(sess *session.Session) SessionInfo {
	st := sess.Player.Status()
	return SessionInfo{
		GuildID:        sess.GuildID,
		ChannelID:      sess.ChannelID(),
		Region:         sess.Region,
		Node:           st.Node,
		CreatedAt:      sess.CreatedAt,
		Current:        st.Current,
		QueueLength:    len(st.Queue),
		Loop:           st.Loop.String(),
		Autoplay:       st.Autoplay,
		Volume:         st.Volume,
		Paused:         st.Paused,
		PositionMs:     st.Position.Milliseconds(),
		PingMs:         st.Ping.Milliseconds(),
		VoiceConnected: st.VoiceConnected,
	}
}

func (s *ControlService) nodeInfo(n *backend.Node) NodeInfo {
	info := NodeInfo{
		Name:      n.Name(),
		Region:    n.Region(),
		State:     n.State().String(),
		SessionID: n.SessionID(),
		Resumed:   n.Resumed(),
		Attempts:  n.Attempts(),
		Penalty:   finite(n.Penalty()),
	}
	if st := n.Stats(); st != nil {
		info.Players = st.Players
		info.PlayingPlayers = st.PlayingPlayers
	}
	for _, sess := range s.sessions.List() {
		if sess.Player.Node() == n.Name() {
			info.Sessions++
		}
	}
	return info
}

// finite maps the unselectable +Inf penalty onto -1, which JSON can carry.
func finite(f float64) float64 {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return -1
	}
	return f
}

func nonNil(tracks []track.Track) []track.Track {
	if tracks == nil {
		return []track.Track{}
	}
	return tracks
}
