package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/rhythms/internal/config"
	"github.com/zulandar/rhythms/internal/db"
	"github.com/zulandar/rhythms/internal/models"
	"github.com/zulandar/rhythms/internal/telegraph"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage standup participants",
	}
	cmd.AddCommand(newUserAddCmd(a))
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList(cmd, a)
		},
	})
	return cmd
}

func newUserAddCmd(a *app) *cobra.Command {
	var uc config.UserConfig
	cmd := &cobra.Command{
		Use:   "add <handle>",
		Short: "Add or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uc.Handle = args[0]
			return runUserAdd(cmd, a, uc)
		},
	}
	cmd.Flags().StringVar(&uc.ChatUserID, "chat-id", "", "chat platform user id")
	cmd.Flags().StringVar(&uc.GitHubLogin, "github", "", "GitHub login")
	cmd.Flags().StringVar(&uc.Email, "email", "", "email address")
	cmd.Flags().StringVar(&uc.Timezone, "tz", config.DefaultTimezone, "IANA timezone")
	cmd.Flags().StringVar(&uc.Schedule, "schedule", "", "5-field cron schedule (default: standup.schedule)")
	cmd.Flags().StringVar(&uc.Channel, "channel", "", "channel for scheduled standups")
	return cmd
}

func runUserAdd(cmd *cobra.Command, a *app, uc config.UserConfig) error {
	if _, err := time.LoadLocation(uc.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", uc.Timezone, err)
	}
	if uc.Schedule != "" {
		entry := telegraph.ScheduleEntry{Handle: uc.Handle, Expr: uc.Schedule, Timezone: uc.Timezone}
		if _, err := telegraph.NextAfter(entry, time.Now()); err != nil {
			return err
		}
	}

	cfg, err := a.load()
	if err != nil {
		return err
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := db.SeedUsers(gormDB, []config.UserConfig{uc}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s saved\n", uc.Handle)
	return nil
}

func runUserList(cmd *cobra.Command, a *app) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	var users []models.User
	if err := gormDB.Order("handle").Find(&users).Error; err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(users) == 0 {
		fmt.Fprintln(out, "No users. Add one with: rhy user add <handle>")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tCHAT ID\tGITHUB\tTIMEZONE\tSCHEDULE\tCHANNEL")
	for _, u := range users {
		schedule := u.Schedule
		if schedule == "" {
			schedule = cfg.Standup.Schedule + " (default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			u.Handle, dash(u.ChatUserID), dash(u.GitHubLogin), u.Timezone, schedule, dash(u.ChannelID))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
