package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rdobrynin/avito-scrape-message/internal/config"
	"github.com/rdobrynin/avito-scrape-message/internal/observability"
)

const envPrefix = "AVITO"

// flagKeys maps command line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"port":      "server.port",
	"headless":  "browser.headless",
	"log-level": "logger.level",
	"polling":   "session.polling_enabled",
}

// rootOptions is state shared by every subcommand once PersistentPreRunE ran.
type rootOptions struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "avito-relay",
		Short:         "Relays Avito messages to websocket clients from a single browser session.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.cfgFile, cmd)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "avito-relay"})
				return err
			}
			observability.InitializeLogger(cfg.Logger)

			opts.cfg = cfg
			opts.logger = observability.GetLogger()
			opts.logger.Info("Starting avito-relay", zap.String("version", Version), zap.String("command", cmd.Name()))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newCheckLoginCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command tree with args. Errors are logged before being
// returned.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// loadConfig layers defaults, the config file, AVITO_* environment variables
// and the command's flags, in increasing precedence.
func loadConfig(cfgFile string, cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if cmd != nil {
		for name, key := range flagKeys {
			f := cmd.Flags().Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	return config.NewConfigFromViper(v)
}
