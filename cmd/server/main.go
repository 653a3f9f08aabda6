// Package main provides the server entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/osa030/voxlink/internal/api/connect"
	"github.com/osa030/voxlink/internal/app/autoplay"
	"github.com/osa030/voxlink/internal/app/filter"
	"github.com/osa030/voxlink/internal/app/notification"
	"github.com/osa030/voxlink/internal/app/player"
	"github.com/osa030/voxlink/internal/app/plugin"
	"github.com/osa030/voxlink/internal/app/pool"
	"github.com/osa030/voxlink/internal/app/session"
	"github.com/osa030/voxlink/internal/infra/config"
	"github.com/osa030/voxlink/internal/infra/logger"
	"github.com/osa030/voxlink/internal/infra/spotify"
)

var (
	app        = kingpin.New("voxlink-server", "voxlink audio node client daemon")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
	noWatch    = app.Flag("no-watch", "Do not reload nodes when the config file changes").Bool()

	listFiltersCmd = app.Command("list-filters", "List available filters and exit")
)

func init() {
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		// The config is optional here; without it no filter is marked enabled.
		cfg, _ := config.Load(*configPath)
		printFilters(cfg)
		return
	}

	loggerConfig := logger.Config{Level: "info", File: *logfile}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	logCloser, err := logger.Init(loggerConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logCloser.Close()

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// run executes the main server logic so deferred cleanups run on every exit path.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pool.New(cfg.Client.UserID)
	for _, opts := range cfg.NodeOptions() {
		if _, err := p.Add(ctx, opts); err != nil {
			// The node is retried on the next config reload.
			zlog.Error().Err(err).Msgf("Failed to add node: name=%s host=%s", opts.Name, opts.Host)
		}
	}

	var deps autoplay.Deps
	if cfg.Spotify.Enabled() {
		client, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			RefreshToken: cfg.Spotify.RefreshToken,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create Spotify client")
		}
		deps.Spotify = client
	} else {
		zlog.Info().Msg("Spotify credentials not configured, spotify autoplay uses node side recommendations")
	}

	engine, err := autoplay.NewEngineFromConfig(cfg, deps)
	if err != nil {
		return errors.Wrap(err, "invalid autoplay config")
	}
	filters, err := autoplay.NewFilterChainFromConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "invalid filter config")
	}

	notifier := notification.NewManager()
	plugins := plugin.NewRegistry()
	if err := plugins.Register(ctx, plugin.NewEventLog()); err != nil {
		return err
	}
	hooks := cfg.Server.Hooks
	if err := plugins.Register(ctx, plugin.NewHooks(hooks.OnStarted, hooks.OnStopped, hooks.OnEvent)); err != nil {
		return err
	}

	sessions := session.NewManager(session.Config{
		UserID: cfg.Client.UserID,
		Region: cfg.Player.Region,
		Player: player.Config{
			HistorySize:    cfg.Player.HistorySize,
			PreviousSize:   cfg.Player.PreviousSize,
			TickInterval:   cfg.Player.TickInterval,
			DefaultVolume:  cfg.Player.DefaultVolume,
			DestroyTimeout: cfg.Player.DestroyTimeout,
			Autoplay:       cfg.Player.Autoplay,
			Autoplayer:     engine,
		},
	}, p, session.NewNotifyingGateway(notifier), notifier, plugins)

	service := apiconnect.NewControlService(sessions, p, notifier, filters, cfg.ConnectionOptions())
	servicePath, serviceHandler := service.Handler(connect.WithInterceptors(apiconnect.NewAuthInterceptor(cfg.Server.Token)))

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthz(p)).Methods(http.MethodGet)
	router.PathPrefix(servicePath).Handler(serviceHandler)

	// h2c serves HTTP/2 without TLS for streaming clients.
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	if !*noWatch {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				_, err := p.Reconcile(ctx, next.NodeOptions(), func(ctx context.Context, name string) {
					if moved, err := sessions.Drain(ctx, name); err != nil {
						zlog.Warn().Err(err).Msgf("Failed to move every session off node: name=%s moved=%d", name, moved)
					}
				})
				if err != nil {
					zlog.Error().Err(err).Msg("Node reload incomplete")
				}
			})
			if err != nil {
				zlog.Error().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		zlog.Info().Msgf("Received %s, shutting down...", sig)
	case err := <-serverErrCh:
		runErr = errors.Wrap(err, "server error")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// End event streams first so Shutdown is not held up by them.
	service.Close()
	if err := sessions.Close(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Failed to close sessions")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Failed to shutdown server")
	}
	if err := plugins.Close(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Failed to unload plugins")
	}
	notifier.Close()
	p.Close()

	zlog.Info().Msg("Server stopped")
	return runErr
}

// healthz reports 200 while at least one node is connected.
func healthz(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sum := p.Summary()
		w.Header().Set("Content-Type", "application/json")
		if sum.Connected == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(sum)
	}
}

// printFilters prints available filters.
func printFilters(cfg *config.Config) {
	fmt.Println("Available Filters:")
	registry := filter.GetRegistered()
	for _, name := range filter.Names() {
		f := registry[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		mark := " "
		if cfg != nil && cfg.IsFilterEnabled(name) {
			mark = "*"
		}
		fmt.Printf("%s %-30s - %s [codes: %s]\n", mark, f.Name(), f.Description(), codes)
	}
}
