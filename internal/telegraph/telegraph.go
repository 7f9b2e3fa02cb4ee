package telegraph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Daemon is the main telegraph process. It connects to a chat platform via
// an Adapter, pumps inbound messages through the Router, and runs the
// standup scheduler.
type Daemon struct {
	adapter   Adapter
	handler   Handler
	pending   *PendingReplies
	dedup     *Deduper
	scheduler *Scheduler
	drain     func()
	log       *zap.Logger
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter   Adapter
	Handler   Handler
	Pending   *PendingReplies
	Dedup     *Deduper   // optional; defaults to DefaultDedupWindow
	Scheduler *Scheduler // optional; enables scheduled standups

	// Drain, if set, runs on shutdown after routing stops and before the
	// adapter closes, so in-flight runs can still post to their threads.
	Drain  func()
	Logger *zap.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: handler is required")
	}
	if opts.Pending == nil {
		return nil, fmt.Errorf("telegraph: pending replies is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Scheduler == nil {
		log.Info("telegraph: no scheduler configured; scheduled standups disabled")
	}
	return &Daemon{
		adapter:   opts.Adapter,
		handler:   opts.Handler,
		pending:   opts.Pending,
		dedup:     opts.Dedup,
		scheduler: opts.Scheduler,
		drain:     opts.Drain,
		log:       log,
	}, nil
}

// Run connects the adapter, starts the scheduler, and routes inbound
// messages until the context is cancelled or the adapter closes its
// inbound channel. On shutdown it stops the scheduler and closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("telegraph connecting")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	router, err := NewRouter(RouterOpts{
		Handler:   d.handler,
		Adapter:   d.adapter,
		Pending:   d.pending,
		Dedup:     d.dedup,
		BotUserID: botUserID,
		Logger:    d.log,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	if d.scheduler != nil {
		d.scheduler.Start()
	}
	d.log.Info("telegraph online", zap.String("bot_user", botUserID))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("telegraph shutting down")
			d.shutdown()
			return nil

		case msg, ok := <-inbound:
			if !ok {
				d.log.Info("telegraph inbound channel closed")
				d.shutdown()
				return nil
			}
			router.Handle(ctx, msg)
		}
	}
}

func (d *Daemon) shutdown() {
	if d.scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.scheduler.Stop(ctx)
		cancel()
	}
	if d.drain != nil {
		d.drain()
	}
	if err := d.adapter.Close(); err != nil {
		d.log.Warn("telegraph: close adapter", zap.Error(err))
	}
	d.log.Info("telegraph stopped")
}
