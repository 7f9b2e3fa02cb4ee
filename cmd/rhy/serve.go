package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/rhythms/internal/api"
	"github.com/zulandar/rhythms/internal/config"
	"github.com/zulandar/rhythms/internal/session"
	"github.com/zulandar/rhythms/internal/standup"
)

func newServeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve only the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, a, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: api.port, else 8080)")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, port int) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	store, err := session.NewStore(session.StoreOpts{DB: gormDB, Logger: a.log})
	if err != nil {
		return err
	}
	final, err := standup.NewFinalStore(standup.FinalStoreOpts{DB: gormDB})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return api.Start(ctx, api.StartOpts{
		Opts: api.Opts{Store: store, Final: final, Logger: a.log},
		Port: servePort(port, cfg),
	})
}

func servePort(flag int, cfg *config.Config) int {
	if flag > 0 {
		return flag
	}
	return cfg.API.Port
}
