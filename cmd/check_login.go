package cmd

import (
	"context"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
	"github.com/rdobrynin/avito-scrape-message/internal/config"
	"github.com/rdobrynin/avito-scrape-message/internal/relay"
	"github.com/rdobrynin/avito-scrape-message/internal/session"
	"github.com/rdobrynin/avito-scrape-message/internal/site"
	"github.com/rdobrynin/avito-scrape-message/internal/ws"
)

type checkLoginOptions struct {
	login    string
	password string
	asJSON   bool
}

// newCheckLoginCmd logs in once, reports where the browser landed and which
// cookies it holds, and releases the browser. It never starts polling.
func newCheckLoginCmd(opts *rootOptions) *cobra.Command {
	o := &checkLoginOptions{}

	checkCmd := &cobra.Command{
		Use:   "check-login",
		Short: "Log in once and print the session cookies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds := site.Credentials{Login: o.login, Password: o.password}
			if creds.Login == "" {
				creds.Login = opts.cfg.Credentials.Login
			}
			if creds.Password == "" {
				creds.Password = opts.cfg.Credentials.Password
			}
			return checkLogin(cmd.Context(), opts.cfg, opts.logger, creds, o.asJSON, cmd.OutOrStdout())
		},
	}

	checkCmd.Flags().StringVarP(&o.login, "login", "l", "", "account login (default from config)")
	checkCmd.Flags().StringVarP(&o.password, "password", "P", "", "account password (default from config)")
	checkCmd.Flags().BoolVar(&o.asJSON, "json", false, "print cookies as JSON for the check-cookies endpoint")
	return checkCmd
}

func checkLogin(ctx context.Context, cfg *config.Config, logger *zap.Logger, creds site.Credentials, asJSON bool, out io.Writer) error {
	adapter, err := site.New(cfg.Site)
	if err != nil {
		return err
	}

	deps := session.Dependencies{
		Launcher: newLauncher(cfg.Browser, logger),
		Adapter:  adapter,
		// No clients ever connect; the hub only satisfies the relay.
		Publisher: relay.New(ws.NewHub(logger, nil), logger),
		Logger:    logger,
	}
	if cfg.Snapshot.Enabled {
		snap, err := session.NewFileSnapshotter(cfg.Snapshot.Dir)
		if err != nil {
			return err
		}
		deps.Snapshotter = snap
	}
	mgr := session.NewManager(config.SessionConfig{}, cfg.Credentials.SubscriberName, deps)

	var (
		location string
		cookies  []browser.Cookie
	)
	err = mgr.WithSession(ctx, creds, func(ctx context.Context, page browser.Page) error {
		var err error
		if location, err = page.Location(ctx); err != nil {
			return fmt.Errorf("read location: %w", err)
		}
		if cookies, err = page.Cookies(ctx); err != nil {
			return fmt.Errorf("read cookies: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("login check failed: %w", err)
	}

	if asJSON {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{"cookies": cookies})
	}
	fmt.Fprintf(out, "Logged in as %s\n", creds.Login)
	fmt.Fprintf(out, "Location: %s\n", location)
	fmt.Fprintf(out, "Cookies: %d\n", len(cookies))
	return nil
}
