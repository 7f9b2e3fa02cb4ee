package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/rhythms/internal/activity"
	"github.com/zulandar/rhythms/internal/api"
	"github.com/zulandar/rhythms/internal/config"
	"github.com/zulandar/rhythms/internal/db"
	"github.com/zulandar/rhythms/internal/models"
	"github.com/zulandar/rhythms/internal/session"
	"github.com/zulandar/rhythms/internal/standup"
	"github.com/zulandar/rhythms/internal/telegraph"
	"github.com/zulandar/rhythms/internal/telegraph/console"
	discordadapter "github.com/zulandar/rhythms/internal/telegraph/discord"
	slackadapter "github.com/zulandar/rhythms/internal/telegraph/slack"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type startOpts struct {
	platform string
	as       string // console only: handle of the user typing
	noAPI    bool
}

func newStartCmd(a *app) *cobra.Command {
	var opts startOpts
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the standup daemon",
		Long: "Connects to the configured chat platform, schedules each user's standup, " +
			"answers chat commands and serves the status API when api.port is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.platform, "platform", "", "override chat.platform (slack, discord, console)")
	cmd.Flags().StringVar(&opts.as, "as", "", "console: handle of the user at the keyboard")
	cmd.Flags().BoolVar(&opts.noAPI, "no-api", false, "do not serve the status API")
	return cmd
}

func runStart(cmd *cobra.Command, a *app, opts startOpts) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	if opts.platform != "" {
		cfg.Chat.Platform = opts.platform
	}
	if cfg.Chat.Platform == "" {
		cfg.Chat.Platform = "console"
	}
	log := a.log

	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := seedConfiguredUsers(gormDB, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adapter, defaultChannel, err := createAdapter(cmd, gormDB, cfg, opts.as, log)
	if err != nil {
		return err
	}

	pending := telegraph.NewPendingReplies(telegraph.PendingRepliesOpts{Logger: log.Named("pending")})
	bridge, err := telegraph.NewBridge(telegraph.BridgeOpts{Adapter: adapter, Pending: pending, Logger: log.Named("bridge")})
	if err != nil {
		return err
	}
	store, err := session.NewStore(session.StoreOpts{DB: gormDB, Logger: log.Named("session")})
	if err != nil {
		return err
	}
	final, err := standup.NewFinalStore(standup.FinalStoreOpts{DB: gormDB})
	if err != nil {
		return err
	}
	sources, err := buildSources(cfg, log)
	if err != nil {
		return err
	}
	drafter, err := buildDrafter(ctx, cfg, log)
	if err != nil {
		return err
	}

	svc, err := standup.NewService(standup.ServiceOpts{
		DB:                gormDB,
		Store:             store,
		Final:             final,
		Adapter:           adapter,
		Bridge:            bridge,
		Sources:           sources,
		Drafter:           drafter,
		ReplyTimeout:      cfg.Standup.ReplyTimeout(),
		Lookback:          cfg.Standup.Lookback(),
		MaxRevisionRounds: cfg.Standup.MaxRevisionRounds,
		DefaultChannel:    defaultChannel,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	scheduler, err := telegraph.NewScheduler(telegraph.SchedulerOpts{
		Fire: func(handle string) {
			svc.Start(ctx, telegraph.Trigger{Platform: cfg.Chat.Platform, Handle: handle, Scheduled: true})
		},
		Logger: log.Named("scheduler"),
	})
	if err != nil {
		return err
	}
	entries, err := svc.ScheduleEntries(ctx, cfg.Standup.Schedule)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := scheduler.Add(e); err != nil {
			log.Warn("skipping schedule", zap.String("owner", e.Handle), zap.Error(err))
		}
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Adapter:   adapter,
		Handler:   svc,
		Pending:   pending,
		Dedup:     telegraph.NewDeduper(cfg.Standup.DedupWindow(), nil),
		Scheduler: scheduler,
		// Runs see the cancel, fail their waits, and post their notices
		// while the adapter is still open.
		Drain: func() {
			cancel()
			svc.Wait()
		},
		Logger: log.Named("telegraph"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The console closes its inbound channel at EOF; stop everything then.
		defer cancel()
		return daemon.Run(gctx)
	})
	if cfg.API.Port > 0 && !opts.noAPI {
		g.Go(func() error {
			return api.Start(gctx, api.StartOpts{
				Opts: api.Opts{Store: store, Final: final, Active: svc.Active(), Logger: log},
				Port: cfg.API.Port,
			})
		})
	}

	err = g.Wait()
	svc.Wait()
	return err
}

func seedConfiguredUsers(gormDB *gorm.DB, cfg *config.Config) error {
	if len(cfg.Users) == 0 {
		return nil
	}
	return db.SeedUsers(gormDB, cfg.Users)
}

// createAdapter builds the chat adapter and returns the channel scheduled
// standups default to.
func createAdapter(cmd *cobra.Command, gormDB *gorm.DB, cfg *config.Config, as string, log *zap.Logger) (telegraph.Adapter, string, error) {
	switch cfg.Chat.Platform {
	case "slack":
		adapter, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Chat.Slack.AppToken,
			BotToken:  cfg.Chat.Slack.BotToken,
			ChannelID: cfg.Chat.Channel,
			Logger:    log,
		})
		return adapter, cfg.Chat.Channel, err

	case "discord":
		adapter, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Chat.Discord.BotToken,
			ChannelID: cfg.Chat.Channel,
			Logger:    log,
		})
		return adapter, cfg.Chat.Channel, err

	case "console":
		user, err := consoleUser(gormDB, as)
		if err != nil {
			return nil, "", err
		}
		adapter := console.New(console.AdapterOpts{
			In:       cmd.InOrStdin(),
			Out:      cmd.OutOrStdout(),
			UserID:   user.ChatUserID,
			UserName: user.Handle,
			Logger:   log,
		})
		return adapter, console.ChannelID, nil

	default:
		return nil, "", fmt.Errorf("unsupported chat platform %q", cfg.Chat.Platform)
	}
}

// consoleUser picks the user typing at the console: the named handle, or
// the only user when there is exactly one.
func consoleUser(gormDB *gorm.DB, handle string) (models.User, error) {
	var users []models.User
	q := gormDB.Order("handle")
	if handle != "" {
		q = q.Where("handle = ?", handle)
	}
	if err := q.Find(&users).Error; err != nil {
		return models.User{}, fmt.Errorf("console user: %w", err)
	}
	switch {
	case len(users) == 0 && handle != "":
		return models.User{}, fmt.Errorf("console user %q not found; add it with rhy user add", handle)
	case len(users) == 0:
		return models.User{}, errors.New("no users configured; add one with rhy user add")
	case len(users) > 1:
		return models.User{}, errors.New("several users configured; pick one with --as")
	}
	u := users[0]
	if u.ChatUserID == "" {
		return models.User{}, fmt.Errorf("user %q has no chat id; set one with rhy user add %s --chat-id <id>", u.Handle, u.Handle)
	}
	return u, nil
}

func buildSources(cfg *config.Config, log *zap.Logger) ([]activity.Summarizer, error) {
	var sources []activity.Summarizer
	if cfg.GitHub.Token != "" {
		gh, err := activity.NewGitHub(activity.GitHubOpts{
			Token:    cfg.GitHub.Token,
			MaxItems: cfg.GitHub.MaxItems,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, gh)
	}
	if cfg.Linear.Token != "" {
		lin, err := activity.NewLinear(activity.LinearOpts{Token: cfg.Linear.Token, Logger: log})
		if err != nil {
			return nil, err
		}
		sources = append(sources, lin)
	}
	if len(sources) == 0 {
		log.Warn("no activity sources configured; drafts start empty")
	}
	return sources, nil
}

func buildDrafter(ctx context.Context, cfg *config.Config, log *zap.Logger) (standup.Drafter, error) {
	if cfg.Gemini.APIKey == "" {
		return standup.TemplateDrafter{}, nil
	}
	return standup.NewGeminiDrafter(ctx, standup.GeminiOpts{
		APIKey: cfg.Gemini.APIKey,
		Model:  cfg.Gemini.Model,
		Logger: log,
	})
}
