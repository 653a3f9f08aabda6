package autoplay

import (
	"context"
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/filter"
	"github.com/osa030/voxlink/internal/app/player"
	"github.com/osa030/voxlink/internal/domain/track"
)

// Config configures an Engine.
type Config struct {
	Primary    string        // Name of the strategy used for unmatched sources
	RecentSize int           // Capacity of the recently autoplayed ring
	Filters    *filter.Chain // Candidate filters, may be nil
}

// Engine dispatches autoplay to a strategy by the ended track's source.
// The recent ring is shared by all strategies and players.
type Engine struct {
	strategies []Strategy
	primary    Strategy
	recent     *Recent
	filters    *filter.Chain
	intn       func(n int) int
}

var _ player.Autoplayer = (*Engine)(nil)

// New creates an engine over strategies, tried in order when matching a source.
func New(cfg Config, strategies ...Strategy) (*Engine, error) {
	if len(strategies) == 0 {
		return nil, errors.New("no autoplay strategies configured")
	}
	e := &Engine{
		strategies: strategies,
		recent:     NewRecent(cfg.RecentSize),
		filters:    cfg.Filters,
		intn:       rand.IntN,
	}
	for _, s := range strategies {
		if s.Name() == cfg.Primary {
			e.primary = s
			break
		}
	}
	if e.primary == nil {
		return nil, errors.Newf("primary strategy %q is not configured", cfg.Primary)
	}
	return e, nil
}

// Recent returns the shared ring of recently autoplayed tracks.
func (e *Engine) Recent() *Recent {
	return e.recent
}

// Autoplay starts a track related to ended on p. It never fails the caller: errors
// and panics are logged and reported as false.
func (e *Engine) Autoplay(ctx context.Context, p *player.Player, ended track.Track) (started bool) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("autoplay: recovered from panic: guild=%s panic=%v", p.GuildID(), r)
			started = false
		}
	}()

	for i, s := range e.attempts(ended) {
		zlog.Debug().Msgf("autoplay: trying strategy: guild=%s attempt=%d strategy=%s track=%s",
			p.GuildID(), i+1, s.Name(), ended.Info.Title)

		picked, ok := e.pick(ctx, s, p, ended)
		if !ok {
			continue
		}

		if err := p.Play(ctx, player.PlayOptions{Track: &picked}); err != nil {
			zlog.Warn().Err(err).Msgf("autoplay: failed to play pick: guild=%s strategy=%s track=%s",
				p.GuildID(), s.Name(), picked.Info.Title)
			return false
		}
		e.recent.Add(picked.Key())
		zlog.Info().Msgf("autoplay: started related track: guild=%s strategy=%s track=%s author=%s",
			p.GuildID(), s.Name(), picked.Info.Title, picked.Info.Author)
		return true
	}
	return false
}

// attempts returns the matching strategy, then the primary when it differs.
func (e *Engine) attempts(ended track.Track) []Strategy {
	for _, s := range e.strategies {
		if s.Matches(ended) {
			if s == e.primary {
				return []Strategy{s}
			}
			return []Strategy{s, e.primary}
		}
	}
	return []Strategy{e.primary}
}

// pick runs one strategy and chooses a candidate uniformly at random.
func (e *Engine) pick(ctx context.Context, s Strategy, p *player.Player, ended track.Track) (track.Track, bool) {
	res, err := s.Search(ctx, p.Backend(), ended)
	if err != nil {
		zlog.Warn().Err(err).Msgf("autoplay: strategy failed: guild=%s strategy=%s", p.GuildID(), s.Name())
		return track.Track{}, false
	}
	candidates := res.Candidates()
	if len(candidates) == 0 {
		zlog.Debug().Msgf("autoplay: strategy returned no candidates: guild=%s strategy=%s", p.GuildID(), s.Name())
		return track.Track{}, false
	}

	pool := e.narrow(ctx, candidates, p, ended)
	return pool[e.intn(len(pool))], true
}

// narrow drops the ended track, recently autoplayed tracks and filter rejects. When
// nothing is left the unfiltered set is used, so a small catalogue never stalls.
func (e *Engine) narrow(ctx context.Context, candidates []track.Track, p *player.Player, ended track.Track) []track.Track {
	others := make([]track.Track, 0, len(candidates))
	fresh := make([]track.Track, 0, len(candidates))
	for _, t := range candidates {
		if t.Same(ended) || t.Key() == ended.Key() {
			continue
		}
		others = append(others, t)
		if !e.recent.Contains(t.Key()) {
			fresh = append(fresh, t)
		}
	}
	if e.filters != nil && len(fresh) > 0 {
		fresh = e.filters.Select(ctx, fresh, p, filter.OriginAutoplay)
	}

	switch {
	case len(fresh) > 0:
		return fresh
	case len(others) > 0:
		zlog.Debug().Msgf("autoplay: every candidate filtered, using unfiltered set: guild=%s count=%d", p.GuildID(), len(others))
		return others
	default:
		return candidates
	}
}
