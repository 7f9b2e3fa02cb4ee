package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/rhythms/internal/session"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect saved standup sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <handle>",
		Short: "List a user's saved sessions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, a, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a saved session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, a, args[0])
		},
	})
	return cmd
}

func openStore(a *app) (*session.Store, error) {
	cfg, err := a.load()
	if err != nil {
		return nil, err
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return session.NewStore(session.StoreOpts{DB: gormDB, Logger: a.log})
}

func runSessionsList(cmd *cobra.Command, a *app, handle string) error {
	store, err := openStore(a)
	if err != nil {
		return err
	}
	infos, err := store.List(cmd.Context(), handle)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintf(out, "No saved sessions for %s\n", handle)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tLAST STAGE\tSAVED")
	for _, in := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			in.SessionID, in.Status, dash(in.LastActiveStage), in.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, a *app, id string) error {
	store, err := openStore(a)
	if err != nil {
		return err
	}
	state, err := store.Load(cmd.Context(), id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}
