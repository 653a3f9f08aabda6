// Package pool provides the registry of audio nodes and load-based node selection.
package pool

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/infra/backend"
)

var (
	ErrNoAvailableConnections = errors.New("no available connections")
	ErrDuplicateNode          = errors.New("node already registered")
	ErrNodeNotFound           = errors.New("node not found")
)

// Scorer ranks a node for selection; lower is better.
type Scorer func(n *backend.Node) float64

// HealthReport is the outcome of one node's health probe.
type HealthReport struct {
	Name    string
	Region  string
	State   backend.State
	Healthy bool
	Stats   *backend.Stats
	Penalty float64
	Err     error
}

// Summary aggregates the last known load of all nodes.
type Summary struct {
	Nodes          int `json:"nodes"`
	Connected      int `json:"connected"`
	Players        int `json:"players"`
	PlayingPlayers int `json:"playing_players"`
}

// Pool owns the node connections of one client. Names are unique.
type Pool struct {
	userID string

	mu       sync.RWMutex
	nodes    map[string]*backend.Node
	order    []string // Insertion order, used to break score ties
	scorer   Scorer
	listener backend.Listener
}

// New creates an empty pool for the given client user id.
func New(userID string) *Pool {
	return &Pool{
		userID: userID,
		nodes:  make(map[string]*backend.Node),
	}
}

// SetListener installs the observer on current and future nodes.
func (p *Pool) SetListener(l backend.Listener) {
	p.mu.Lock()
	p.listener = l
	nodes := p.orderedLocked()
	p.mu.Unlock()

	for _, n := range nodes {
		n.SetListener(l)
	}
}

// Add registers a node and connects it. The node is not kept if the connect fails.
func (p *Pool) Add(ctx context.Context, opts backend.Options) (*backend.Node, error) {
	if opts.Name == "" {
		return nil, errors.New("node name is required")
	}

	p.mu.Lock()
	if _, exists := p.nodes[opts.Name]; exists {
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrDuplicateNode, "node %s", opts.Name)
	}
	n := backend.NewNode(opts)
	n.SetListener(p.listener)
	p.nodes[opts.Name] = n
	p.order = append(p.order, opts.Name)
	p.mu.Unlock()

	if err := n.Connect(ctx, p.userID); err != nil {
		p.mu.Lock()
		if p.nodes[opts.Name] == n {
			p.removeLocked(opts.Name)
		}
		p.mu.Unlock()
		n.Close()
		return nil, errors.Wrapf(err, "failed to add node %s", opts.Name)
	}

	zlog.Info().Msgf("node added: node=%s region=%s", opts.Name, opts.Region)
	return n, nil
}

// Remove disconnects and unregisters a node.
func (p *Pool) Remove(name string) error {
	p.mu.Lock()
	n, ok := p.nodes[name]
	if ok {
		p.removeLocked(name)
	}
	p.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNodeNotFound, "node %s", name)
	}
	n.Close()
	zlog.Info().Msgf("node removed: node=%s", name)
	return nil
}

func (p *Pool) removeLocked(name string) {
	delete(p.nodes, name)
	for i, o := range p.order {
		if o == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Get returns a node by name.
func (p *Pool) Get(name string) (*backend.Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[name]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (p *Pool) Nodes() []*backend.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.orderedLocked()
}

// Len returns the number of registered nodes.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.nodes)
}

func (p *Pool) orderedLocked() []*backend.Node {
	out := make([]*backend.Node, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.nodes[name])
	}
	return out
}

// SetScorer replaces the built-in penalty for all later selections.
func (p *Pool) SetScorer(s Scorer) {
	p.mu.Lock()
	p.scorer = s
	p.mu.Unlock()
}

// ResetScorer restores the built-in penalty.
func (p *Pool) ResetScorer() {
	p.SetScorer(nil)
}

// SelectBest returns the connected node with the lowest score, preferring nodes whose
// region matches the hint. An empty hint, or one matching no connected node, selects
// among all connected nodes.
func (p *Pool) SelectBest(region string) (*backend.Node, error) {
	p.mu.RLock()
	nodes := p.orderedLocked()
	score := p.scoreLocked()
	p.mu.RUnlock()

	best, ok := selectBest(nodes, region, score)
	if !ok {
		return nil, ErrNoAvailableConnections
	}
	return best, nil
}

// SelectExcept is SelectBest over all nodes but the excluded one.
func (p *Pool) SelectExcept(region, exclude string) (*backend.Node, error) {
	p.mu.RLock()
	all := p.orderedLocked()
	score := p.scoreLocked()
	p.mu.RUnlock()

	nodes := all[:0:0]
	for _, n := range all {
		if n.Name() != exclude {
			nodes = append(nodes, n)
		}
	}
	best, ok := selectBest(nodes, region, score)
	if !ok {
		return nil, ErrNoAvailableConnections
	}
	return best, nil
}

func (p *Pool) scoreLocked() func(*backend.Node) float64 {
	if p.scorer != nil {
		return p.scorer
	}
	return (*backend.Node).Penalty
}

// HealthCheck probes every node. Connected nodes get a stats request; others are
// reported unhealthy without a network call.
func (p *Pool) HealthCheck(ctx context.Context) []HealthReport {
	nodes := p.Nodes()
	reports := make([]HealthReport, len(nodes))

	var wg sync.WaitGroup
	for i, n := range nodes {
		reports[i] = HealthReport{Name: n.Name(), Region: n.Region(), State: n.State()}
		if reports[i].State != backend.StateConnected {
			reports[i].Penalty = n.Penalty()
			continue
		}
		wg.Add(1)
		go func(i int, n *backend.Node) {
			defer wg.Done()
			stats, err := n.FetchStats(ctx)
			if err != nil {
				zlog.Warn().Err(err).Msgf("health check failed: node=%s", n.Name())
				reports[i].Err = err
			} else {
				reports[i].Healthy = true
				reports[i].Stats = stats
			}
			reports[i].Penalty = n.Penalty()
		}(i, n)
	}
	wg.Wait()

	return reports
}

// Summary returns aggregate counters from the last known stats.
func (p *Pool) Summary() Summary {
	var s Summary
	for _, n := range p.Nodes() {
		s.Nodes++
		if n.State() == backend.StateConnected {
			s.Connected++
		}
		if st := n.Stats(); st != nil {
			s.Players += st.Players
			s.PlayingPlayers += st.PlayingPlayers
		}
	}
	return s
}

// Close disconnects and unregisters every node.
func (p *Pool) Close() {
	p.mu.Lock()
	nodes := p.orderedLocked()
	p.nodes = make(map[string]*backend.Node)
	p.order = nil
	p.mu.Unlock()

	for _, n := range nodes {
		n.Close()
	}
}
