package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codequality/rule-registry/pkg/config"
)

// rootOptions carries the persistent flags shared by every command.
type rootOptions struct {
	loader     *config.Loader
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{loader: config.NewLoader()}

	cmd := &cobra.Command{
		Use:   "rules-server",
		Short: "Rule registry server",
		Long: `rules-server stores coding rules, resolves their organization-specific
metadata and publishes them to a search index.

Configuration is read from an optional YAML file, then from RULES_*
environment variables, then from command flags.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configFile != "" {
				opts.loader.SetConfigFile(opts.configFile)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to a YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.String("db-type", "", "Database type: sqlite, postgres or mysql")
	flags.String("db-dsn", "", "Database connection string")
	flags.String("organization", "", "Default organization")

	v := opts.loader.Viper()
	_ = v.BindPFlag("database.type", flags.Lookup("db-type"))
	_ = v.BindPFlag("database.dsn", flags.Lookup("db-dsn"))
	_ = v.BindPFlag("organization.default", flags.Lookup("organization"))

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRegisterCmd(opts))
	cmd.AddCommand(newReindexCmd(opts))
	cmd.AddCommand(newProfileCmd(opts))
	cmd.AddCommand(newHealthcheckCmd(opts))

	return cmd
}

// load reads the configuration and builds the logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := o.loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
