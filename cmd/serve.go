package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rdobrynin/avito-scrape-message/internal/api"
	"github.com/rdobrynin/avito-scrape-message/internal/browser"
	"github.com/rdobrynin/avito-scrape-message/internal/config"
	"github.com/rdobrynin/avito-scrape-message/internal/relay"
	"github.com/rdobrynin/avito-scrape-message/internal/session"
	"github.com/rdobrynin/avito-scrape-message/internal/site"
	"github.com/rdobrynin/avito-scrape-message/internal/store"
	"github.com/rdobrynin/avito-scrape-message/internal/ws"
)

const (
	seenRetention = 30 * 24 * time.Hour
	pruneInterval = time.Hour
)

// newLauncher builds the browser launcher. Tests replace it with a fake.
var newLauncher = func(cfg config.BrowserConfig, logger *zap.Logger) browser.Launcher {
	return browser.NewChromeLauncher(cfg, logger)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize relay: %w", err)
			}
			return a.run(ctx)
		},
	}

	serveCmd.Flags().IntP("port", "p", 0, "HTTP port (overrides config/env)")
	serveCmd.Flags().Bool("headless", true, "run the browser headless (overrides config/env)")
	serveCmd.Flags().Bool("polling", true, "poll the message listing while listening (overrides config/env)")
	return serveCmd
}

// app is the wired service: one hub, one relay, one session manager and the
// HTTP server in front of them.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	hub     *ws.Hub
	relay   *relay.Relay
	manager *session.Manager
	server  *api.Server
	seen    *store.SeenStore
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	adapter, err := site.New(cfg.Site)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(logger, cfg.Server.AllowedOrigins)
	a := &app{
		cfg:    cfg,
		logger: logger.Named("app"),
		hub:    hub,
		relay:  relay.New(hub, logger),
	}

	deps := session.Dependencies{
		Launcher:  newLauncher(cfg.Browser, logger),
		Adapter:   adapter,
		Publisher: a.relay,
		Logger:    logger,
	}

	if cfg.Session.Dedupe.Enabled {
		switch cfg.Session.Dedupe.Backend {
		case "postgres":
			seen, err := store.Open(ctx, cfg.Database.URL, cfg.Database.ConnectTimeout, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to open seen-message store: %w", err)
			}
			if err := seen.EnsureSchema(ctx); err != nil {
				seen.Close()
				return nil, err
			}
			a.seen = seen
			deps.Deduper = seen
		default:
			deps.Deduper = session.NewMemoryDeduper(cfg.Session.Dedupe.Capacity)
		}
	}

	if cfg.Snapshot.Enabled {
		snap, err := session.NewFileSnapshotter(cfg.Snapshot.Dir)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Snapshotter = snap
	}

	a.manager = session.NewManager(cfg.Session, cfg.Credentials.SubscriberName, deps)

	handlers := api.NewHandlers(logger, a.manager, a.relay, hub, cfg.Credentials.SubscriberName)
	router := api.NewRouter(cfg.Server, handlers, hub.HandleWS, logger)
	a.server = api.NewServer(cfg.Server, router, logger)
	return a, nil
}

// run serves until ctx is done or a component fails, then shuts the session
// down and releases the store.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	// The hub outlives the session so nothing the poll loop marks as seen is
	// published into a closed hub.
	hubCtx, closeHub := context.WithCancel(context.Background())
	defer closeHub()
	g.Go(func() error { return a.hub.Run(hubCtx) })
	g.Go(func() error { return a.server.Run(gctx) })

	if a.seen != nil {
		g.Go(func() error {
			a.pruneLoop(gctx)
			return nil
		})
	}

	if a.cfg.Session.AutoStart && a.cfg.HasCredentials() {
		g.Go(func() error {
			a.autostart(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		defer closeHub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.manager.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("session shutdown: %w", err)
		}
		a.logger.Info("Session released.")
		return nil
	})

	return g.Wait()
}

// autostart logs in with the configured credentials and announces the result
// the same way the login endpoint does.
func (a *app) autostart(ctx context.Context) {
	creds := site.Credentials{Login: a.cfg.Credentials.Login, Password: a.cfg.Credentials.Password}
	name := a.cfg.Credentials.SubscriberName

	a.logger.Info("Starting listener with configured credentials.", zap.String("username", creds.Login))
	res := a.manager.Start(ctx, creds)
	switch res.Outcome {
	case session.Succeeded:
		a.relay.Notify(name, relay.NoticeStarted, false)
	case session.Failed:
		if ctx.Err() != nil {
			return
		}
		a.logger.Error("Auto-start failed.", zap.String("reason", res.Message))
		a.relay.Notify(name, res.Message, true)
	default:
		a.logger.Info("Auto-start skipped.", zap.String("reason", res.Message))
	}
}

func (a *app) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.seen.Prune(ctx, seenRetention); err != nil && ctx.Err() == nil {
				a.logger.Warn("Failed to prune seen messages.", zap.Error(err))
			}
		}
	}
}

func (a *app) close() {
	if a.seen != nil {
		a.seen.Close()
	}
}
