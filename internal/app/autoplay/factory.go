package autoplay

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/filter"
	"github.com/osa030/voxlink/internal/infra/config"
)

// Deps carries the external clients strategies may use. Nil clients are allowed.
type Deps struct {
	Spotify SpotifyClient
	LastFm  LastFmClient
}

// NewStrategiesFromConfig creates the configured strategies in order. With no
// strategies configured, a default YouTube strategy is returned.
func NewStrategiesFromConfig(cfg config.AutoplayConfig, deps Deps) ([]Strategy, error) {
	if len(cfg.Strategies) == 0 {
		s, err := NewYouTubeStrategy(nil)
		if err != nil {
			return nil, err
		}
		return []Strategy{s}, nil
	}

	strategies := make([]Strategy, 0, len(cfg.Strategies))
	for i, scfg := range cfg.Strategies {
		var strategy Strategy
		var err error
		zlog.Debug().Msgf("autoplay: creating strategy: index=%d type=%s settings=%+v", i+1, scfg.Type, redact(scfg.Settings))
		switch scfg.Type {
		case "youtube":
			strategy, err = NewYouTubeStrategy(scfg.Settings)

		case "soundcloud":
			strategy, err = NewSoundCloudStrategy(scfg.Settings)

		case "spotify":
			strategy, err = NewSpotifyStrategy(deps.Spotify, scfg.Settings)

		case "lastfm":
			strategy, err = NewLastFmStrategy(deps.LastFm, scfg.Settings)

		default:
			return nil, errors.Newf("unsupported strategy type: %s (strategy index %d)", scfg.Type, i)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to create strategy (index %d, type %s)", i, scfg.Type)
		}

		strategies = append(strategies, strategy)
		zlog.Info().Msgf("autoplay: registered strategy: index=%d type=%s", i+1, scfg.Type)
	}
	return strategies, nil
}

// NewFilterChainFromConfig builds the candidate filter chain from the enabled filters.
func NewFilterChainFromConfig(cfg *config.Config) (*filter.Chain, error) {
	chain := filter.NewChain()
	for _, name := range cfg.EnabledFilters() {
		f, err := filter.New(name, cfg.FilterSettings(name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create filter %s", name)
		}
		chain.Add(f)
		zlog.Info().Msgf("autoplay: enabled filter: name=%s", name)
	}
	return chain, nil
}

// NewEngineFromConfig wires strategies, filters and the recent ring from configuration.
func NewEngineFromConfig(cfg *config.Config, deps Deps) (*Engine, error) {
	strategies, err := NewStrategiesFromConfig(cfg.Autoplay, deps)
	if err != nil {
		return nil, err
	}
	chain, err := NewFilterChainFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	primary := cfg.Autoplay.Primary
	if len(cfg.Autoplay.Strategies) == 0 {
		primary = strategies[0].Name()
	}
	return New(Config{
		Primary:    primary,
		RecentSize: cfg.Autoplay.RecentSize,
		Filters:    chain,
	}, strategies...)
}

func redact(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if k == "api_key" {
			v = "***"
		}
		out[k] = v
	}
	return out
}
