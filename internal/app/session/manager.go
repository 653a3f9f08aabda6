// Package session provides the guild-keyed registry of playback sessions and routes
// node traffic to them.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/notification"
	"github.com/osa030/voxlink/internal/app/player"
	"github.com/osa030/voxlink/internal/app/plugin"
	"github.com/osa030/voxlink/internal/app/pool"
	"github.com/osa030/voxlink/internal/infra/backend"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrManagerClosed   = errors.New("session manager closed")
)

const failoverTimeout = 10 * time.Second

// Config holds session manager configuration.
type Config struct {
	UserID string        // Client user id; voice states of other users are ignored
	Region string        // Default node region hint
	Player player.Config // Template for new players
}

// Manager owns the sessions of one client. It observes every node of the pool and
// forwards player updates and events to the player bound to that node.
type Manager struct {
	cfg      Config
	pool     *pool.Pool
	gateway  VoiceGateway
	notifier *notification.Manager
	plugins  *plugin.Registry

	mu       sync.RWMutex
	sessions map[snowflake.ID]*Session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager and installs it as the pool's listener.
// notifier and plugins may be nil.
func NewManager(cfg Config, p *pool.Pool, gateway VoiceGateway, notifier *notification.Manager, plugins *plugin.Registry) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		pool:     p,
		gateway:  gateway,
		notifier: notifier,
		plugins:  plugins,
		sessions: make(map[snowflake.ID]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.SetListener(m)
	return m
}

// Create starts a session: it binds a new player to the best node and asks the
// gateway to join the voice channel. The session is removed again if the join fails.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.GuildID == 0 {
		return nil, errors.New("guild id is required")
	}
	region := opts.Region
	if region == "" {
		region = m.cfg.Region
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := m.sessions[opts.GuildID]; exists {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrSessionExists, "guild %s", opts.GuildID)
	}
	node, err := m.selectNode(opts.Node, region)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := &Session{
		GuildID:   opts.GuildID,
		Region:    region,
		CreatedAt: time.Now(),
		Player:    player.New(opts.GuildID, node, m.cfg.Player),
	}
	s.channelID.Store(uint64(opts.ChannelID))
	m.sessions[opts.GuildID] = s
	m.wg.Add(1)
	go m.pump(s)
	m.mu.Unlock()

	zlog.Info().Msgf("session created: guild=%s node=%s region=%s", s.GuildID, node.Name(), region)
	m.broadcast(&notification.Notification{
		Type:      notification.TypeSessionNew,
		GuildID:   s.GuildID,
		ChannelID: opts.ChannelID,
		Node:      node.Name(),
	})

	if opts.ChannelID != 0 && m.gateway != nil {
		if err := m.gateway.JoinChannel(ctx, opts.GuildID, opts.ChannelID, opts.SelfDeaf); err != nil {
			if derr := m.Destroy(ctx, opts.GuildID); derr != nil {
				zlog.Warn().Err(derr).Msgf("session: failed to roll back session: guild=%s", opts.GuildID)
			}
			return nil, errors.Wrapf(err, "failed to join channel %s", opts.ChannelID)
		}
	}
	return s, nil
}

func (m *Manager) selectNode(name, region string) (*backend.Node, error) {
	if name == "" {
		return m.pool.SelectBest(region)
	}
	n, ok := m.pool.Get(name)
	if !ok {
		return nil, errors.Wrapf(pool.ErrNodeNotFound, "node %s", name)
	}
	if n.State() != backend.StateConnected {
		return nil, errors.Wrapf(pool.ErrNoAvailableConnections, "node %s is %s", name, n.State())
	}
	return n, nil
}

// Get returns the session of a guild.
func (m *Manager) Get(guildID snowflake.ID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[guildID]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "guild %s", guildID)
	}
	return s, nil
}

// List returns all sessions ordered by guild id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy leaves the voice channel and destroys the player of a guild.
func (m *Manager) Destroy(ctx context.Context, guildID snowflake.ID) error {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	if ok {
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "guild %s", guildID)
	}
	return m.teardown(ctx, s)
}

func (m *Manager) teardown(ctx context.Context, s *Session) error {
	var leaveErr error
	if m.gateway != nil {
		if err := m.gateway.LeaveChannel(ctx, s.GuildID); err != nil {
			leaveErr = errors.Wrap(err, "failed to leave channel")
		}
	}
	node := s.Player.Node()
	destroyErr := s.Player.Destroy(ctx)

	zlog.Info().Msgf("session destroyed: guild=%s node=%s", s.GuildID, node)
	m.broadcast(&notification.Notification{
		Type:    notification.TypeSessionGone,
		GuildID: s.GuildID,
		Node:    node,
	})
	return errors.CombineErrors(leaveErr, destroyErr)
}

// Move rebinds a guild's player to the named node.
func (m *Manager) Move(ctx context.Context, guildID snowflake.ID, nodeName string) error {
	s, err := m.Get(guildID)
	if err != nil {
		return err
	}
	n, err := m.selectNode(nodeName, "")
	if err != nil {
		return err
	}
	return s.Player.MoveTo(ctx, n)
}

// Drain moves every player off the named node, for example before removing it.
// It returns the number of players moved.
func (m *Manager) Drain(ctx context.Context, nodeName string) (int, error) {
	var (
		moved int
		errs  error
	)
	for _, s := range m.bound(nodeName) {
		target, err := m.pool.SelectExcept(s.Region, nodeName)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "guild %s", s.GuildID))
			continue
		}
		if err := s.Player.MoveTo(ctx, target); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "guild %s", s.GuildID))
			continue
		}
		moved++
	}
	return moved, errs
}

// bound returns the sessions whose player is bound to the named node.
func (m *Manager) bound(nodeName string) []*Session {
	var out []*Session
	for _, s := range m.List() {
		if s.Player.Node() == nodeName {
			out = append(out, s)
		}
	}
	return out
}

// HandleVoiceServerUpdate forwards a voice server fragment from the host platform.
func (m *Manager) HandleVoiceServerUpdate(ctx context.Context, guildID snowflake.ID, token, endpoint string) error {
	s, err := m.Get(guildID)
	if err != nil {
		return err
	}
	return s.Player.UpdateVoiceServer(ctx, token, endpoint)
}

// HandleVoiceStateUpdate forwards a voice state fragment of the client user.
// Updates for other users are ignored.
func (m *Manager) HandleVoiceStateUpdate(ctx context.Context, guildID, userID snowflake.ID, sessionID string, channelID snowflake.ID) error {
	if m.cfg.UserID != "" && userID != 0 && userID.String() != m.cfg.UserID {
		return nil
	}
	s, err := m.Get(guildID)
	if err != nil {
		return err
	}
	if channelID != 0 {
		s.channelID.Store(uint64(channelID))
	}
	return s.Player.UpdateVoiceState(ctx, sessionID, channelID)
}

// pump fans the player's events out to subscribers and plugins until the player is destroyed.
func (m *Manager) pump(s *Session) {
	defer m.wg.Done()
	for ev := range s.Player.Events() {
		m.broadcast(notification.FromPlayerEvent(ev))
		if m.plugins != nil {
			m.plugins.Dispatch(m.ctx, ev)
		}
	}
}

func (m *Manager) broadcast(n *notification.Notification) {
	if m.notifier != nil {
		m.notifier.Broadcast(n)
	}
}

// Close destroys every session. Later calls to Create fail with ErrManagerClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[snowflake.ID]*Session)
	m.mu.Unlock()

	var errs error
	for _, s := range sessions {
		if err := m.teardown(ctx, s); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "guild %s", s.GuildID))
		}
	}
	m.cancel()
	m.wg.Wait()
	return errs
}
