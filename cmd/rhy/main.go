package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/rhythms/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	verbose    bool
	log        *zap.Logger
}

// load reads the config file and rebuilds the logger from its log section.
func (a *app) load() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg.Log, a.verbose)
	if err != nil {
		return nil, err
	}
	a.log.Sync()
	a.log = log
	return cfg, nil
}

func newLogger(c config.LogConfig, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", c.Level, err)
		}
		zcfg.Level = lvl
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

func newRootCmd() *cobra.Command {
	a := &app{log: zap.NewNop()}
	cmd := &cobra.Command{
		Use:          "rhy",
		Short:        "Rhythms: daily standups over chat",
		Long:         "Rhythms interviews each team member for their daily standup over Slack, Discord or a local console.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(config.LogConfig{Level: "warn"}, a.verbose)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "rhythms.yaml", "path to Rhythms config file")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStartCmd(a))
	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newDBCmd(a))
	cmd.AddCommand(newUserCmd(a))
	cmd.AddCommand(newSessionsCmd(a))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rhy %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
