// Package plugin provides the fixed plugin interface and its registry.
package plugin

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/player"
)

var (
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrPluginNotFound  = errors.New("plugin not found")
)

// Plugin observes player events. Plugins are registered explicitly on a Registry.
type Plugin interface {
	// Name returns the unique plugin name.
	Name() string

	// OnLoad is called once when the plugin is registered.
	OnLoad(ctx context.Context) error

	// OnUnload is called once when the plugin is removed or the registry closes.
	OnUnload(ctx context.Context) error

	// OnEvent is called for every player event, in delivery order.
	OnEvent(ctx context.Context, ev player.Event)
}

// Registry holds the loaded plugins in registration order.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register loads p and adds it to the registry. A plugin whose OnLoad fails is not
// added.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return errors.Wrapf(ErrDuplicatePlugin, "plugin %s", p.Name())
		}
	}
	if err := p.OnLoad(ctx); err != nil {
		return errors.Wrapf(err, "failed to load plugin %s", p.Name())
	}
	r.plugins = append(r.plugins, p)
	zlog.Info().Msgf("plugin: loaded: name=%s", p.Name())
	return nil
}

// Unregister unloads and removes the named plugin.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	var found Plugin
	for i, p := range r.plugins {
		if p.Name() == name {
			found = p
			r.plugins = append(r.plugins[:i:i], r.plugins[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return errors.Wrapf(ErrPluginNotFound, "plugin %s", name)
	}
	zlog.Info().Msgf("plugin: unloaded: name=%s", name)
	return found.OnUnload(ctx)
}

// Names returns the plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// Dispatch delivers ev to every plugin. A panicking plugin is logged and skipped.
func (r *Registry) Dispatch(ctx context.Context, ev player.Event) {
	r.mu.RLock()
	plugins := append([]Plugin(nil), r.plugins...)
	r.mu.RUnlock()

	for _, p := range plugins {
		dispatchOne(ctx, p, ev)
	}
}

func dispatchOne(ctx context.Context, p Plugin, ev player.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			zlog.Error().Msgf("plugin: recovered from panic: name=%s event=%s panic=%v", p.Name(), ev.Type, rec)
		}
	}()
	p.OnEvent(ctx, ev)
}

// Close unloads every plugin in reverse registration order.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.mu.Unlock()

	var errs error
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].OnUnload(ctx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to unload plugin %s", plugins[i].Name()))
		}
	}
	return errs
}
