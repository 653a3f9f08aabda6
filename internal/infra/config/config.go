// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/osa030/voxlink/internal/infra/backend"
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Client     ClientConfig            `yaml:"client"`
	Nodes      []NodeConfig            `yaml:"nodes" validate:"required,min=1,dive"`
	Connection ConnectionConfig        `yaml:"connection"`
	Player     PlayerConfig            `yaml:"player"`
	Autoplay   AutoplayConfig          `yaml:"autoplay"`
	Filters    map[string]FilterConfig `yaml:"filters"`
	Spotify    SpotifyConfig           `yaml:"spotify"`
}

// ServerConfig represents the control API server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":8080"`
	Token string      `yaml:"token" validate:"required"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents shell commands run on lifecycle and player events.
type HooksConfig struct {
	OnStarted []string            `yaml:"on_started"`
	OnStopped []string            `yaml:"on_stopped"`
	OnEvent   map[string][]string `yaml:"on_event"` // Keyed by event type, e.g. queue_exhausted
}

// ClientConfig identifies this process to the audio nodes.
type ClientConfig struct {
	UserID string `yaml:"user_id" validate:"required"`
	Name   string `yaml:"name" default:"voxlink"`
}

// NodeConfig represents a single audio node.
type NodeConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" default:"2333" validate:"gte=1,lte=65535"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
	Region   string `yaml:"region"`
}

// ConnectionConfig holds the timings shared by every node connection.
type ConnectionConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout" default:"10s" validate:"gt=0"`
	RequestTimeout       time.Duration `yaml:"request_timeout" default:"10s" validate:"gt=0"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" default:"15s" validate:"gt=0"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout" default:"60s" validate:"gt=0"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" default:"1s" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" default:"30s" validate:"gt=0"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"10" validate:"gte=0"`
	ResumeTimeout        time.Duration `yaml:"resume_timeout" default:"60s" validate:"gte=0"`
	RequestsPerSecond    float64       `yaml:"requests_per_second" default:"20" validate:"gt=0"`
	RequestBurst         int           `yaml:"request_burst" default:"10" validate:"gte=1"`
}

// PlayerConfig represents per-guild playback configuration.
type PlayerConfig struct {
	HistorySize    int           `yaml:"history_size" default:"50" validate:"gte=1"`
	PreviousSize   int           `yaml:"previous_size" default:"10" validate:"gte=1"`
	TickInterval   time.Duration `yaml:"tick_interval" default:"1s" validate:"gt=0"`
	DefaultVolume  int           `yaml:"default_volume" default:"100" validate:"gte=0,lte=100"`
	DestroyTimeout time.Duration `yaml:"destroy_timeout" default:"5s" validate:"gt=0"`
	Autoplay       bool          `yaml:"autoplay"`
	Region         string        `yaml:"region"`
}

// AutoplayConfig represents the autoplay engine configuration.
type AutoplayConfig struct {
	RecentSize int              `yaml:"recent_size" default:"50" validate:"gte=1"`
	Primary    string           `yaml:"primary" default:"youtube"`
	Strategies []StrategyConfig `yaml:"strategies" validate:"dive"`
}

// StrategyConfig represents a single autoplay strategy.
type StrategyConfig struct {
	Type     string         `yaml:"type" validate:"required,oneof=youtube soundcloud spotify lastfm"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// SpotifyConfig represents Spotify API configuration. Empty credentials disable the
// Web API and the spotify strategy falls back to node side recommendations.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	Market       string `yaml:"market" validate:"omitempty,len=2" default:"JP"`
}

// Enabled reports whether all Spotify credentials are present.
func (s SpotifyConfig) Enabled() bool {
	return s.ClientID != "" && s.ClientSecret != "" && s.RefreshToken != ""
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse parses a YAML document into a validated configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	for i := range cfg.Nodes {
		if err := defaults.Set(&cfg.Nodes[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to set defaults for node %d", i)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("NODE_PASSWORD"); v != "" {
		for i := range c.Nodes {
			if c.Nodes[i].Password == "" {
				c.Nodes[i].Password = v
			}
		}
	}
	if v := os.Getenv("CLIENT_USER_ID"); v != "" {
		c.Client.UserID = v
	}
	if v := os.Getenv("CONTROL_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("SPOTIFY_REFRESH_TOKEN"); v != "" {
		c.Spotify.RefreshToken = v
	}
	if v := os.Getenv("LASTFM_API_KEY"); v != "" {
		for i := range c.Autoplay.Strategies {
			if c.Autoplay.Strategies[i].Type != "lastfm" {
				continue
			}
			if c.Autoplay.Strategies[i].Settings == nil {
				c.Autoplay.Strategies[i].Settings = map[string]any{}
			}
			c.Autoplay.Strategies[i].Settings["api_key"] = v
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.Name] {
			return errors.Newf("duplicate node name: %s", n.Name)
		}
		seen[n.Name] = true
	}

	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return errors.Newf("reconnect_max_delay (%s) must not be shorter than reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}

	if len(c.Autoplay.Strategies) > 0 && !c.hasStrategy(c.Autoplay.Primary) {
		return errors.Newf("autoplay primary strategy %q is not configured", c.Autoplay.Primary)
	}

	return nil
}

func (c *Config) hasStrategy(kind string) bool {
	for _, s := range c.Autoplay.Strategies {
		if strings.EqualFold(s.Type, kind) {
			return true
		}
	}
	return false
}

// NodeOptions converts the node entries into connection options.
func (c *Config) NodeOptions() []backend.Options {
	opts := make([]backend.Options, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		o := c.ConnectionOptions()
		o.Name = n.Name
		o.Host = n.Host
		o.Port = n.Port
		o.Password = n.Password
		o.Secure = n.Secure
		o.Region = n.Region
		opts = append(opts, o)
	}
	return opts
}

// ConnectionOptions returns connection options carrying only the shared timings and
// client name. Nodes registered at runtime start from it.
func (c *Config) ConnectionOptions() backend.Options {
	return backend.Options{
		ClientName:           c.Client.Name,
		ConnectTimeout:       c.Connection.ConnectTimeout,
		RequestTimeout:       c.Connection.RequestTimeout,
		HeartbeatInterval:    c.Connection.HeartbeatInterval,
		HeartbeatTimeout:     c.Connection.HeartbeatTimeout,
		ReconnectBaseDelay:   c.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.Connection.ReconnectMaxDelay,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		ResumeTimeout:        c.Connection.ResumeTimeout,
		RequestsPerSecond:    c.Connection.RequestsPerSecond,
		RequestBurst:         c.Connection.RequestBurst,
	}
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// FilterSettings returns the settings for a filter.
func (c *Config) FilterSettings(filterName string) map[string]any {
	if f, ok := c.Filters[filterName]; ok {
		return f.Settings
	}
	return nil
}

// EnabledFilters returns the names of the enabled filters in sorted order.
func (c *Config) EnabledFilters() []string {
	names := make([]string, 0, len(c.Filters))
	for name, f := range c.Filters {
		if f.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
