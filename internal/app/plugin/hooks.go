package plugin

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voxlink/internal/app/player"
)

// Hooks runs shell commands when the daemon starts and stops and when player
// events of a configured type occur. Event details are passed as VOXLINK_*
// environment variables.
type Hooks struct {
	onStarted []string
	onStopped []string
	onEvent   map[string][]string

	stdout io.Writer
	stderr io.Writer
	wg     sync.WaitGroup
}

// NewHooks creates a Hooks plugin. Event commands are keyed by event type name.
func NewHooks(onStarted, onStopped []string, onEvent map[string][]string) *Hooks {
	return &Hooks{
		onStarted: onStarted,
		onStopped: onStopped,
		onEvent:   onEvent,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
}

func (h *Hooks) Name() string { return "hooks" }

func (h *Hooks) OnLoad(ctx context.Context) error {
	h.run(ctx, h.onStarted, "on_started", nil)
	return nil
}

// OnUnload waits for running event hooks, then runs the stop hooks.
func (h *Hooks) OnUnload(ctx context.Context) error {
	h.wg.Wait()
	h.run(ctx, h.onStopped, "on_stopped", nil)
	return nil
}

// OnEvent starts the hooks of ev's type without blocking event delivery.
func (h *Hooks) OnEvent(ctx context.Context, ev player.Event) {
	stage := ev.Type.String()
	commands := h.onEvent[stage]
	if len(commands) == 0 {
		return
	}
	env := []string{
		"VOXLINK_EVENT=" + stage,
		"VOXLINK_GUILD=" + ev.GuildID.String(),
		"VOXLINK_NODE=" + ev.Node,
	}
	if ev.Track != nil {
		env = append(env, "VOXLINK_TRACK="+ev.Track.Info.Title, "VOXLINK_AUTHOR="+ev.Track.Info.Author, "VOXLINK_URI="+ev.Track.Info.URI)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(context.WithoutCancel(ctx), commands, stage, env)
	}()
}

// run executes commands one by one through sh -c.
func (h *Hooks) run(ctx context.Context, commands []string, stage string, env []string) {
	if len(commands) == 0 {
		return
	}

	zlog.Info().Msgf("hooks: executing %s hooks (%d commands)", stage, len(commands))

	for _, command := range commands {
		zlog.Debug().Msgf("hooks: executing hook: %s", command)
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Env = append(os.Environ(), env...)
		cmd.Stdout = h.stdout
		cmd.Stderr = h.stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("hooks: failed to execute hook: %s", command)
		}
	}
}
