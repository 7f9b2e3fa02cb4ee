package telegraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleEntry is one owner's recurring standup time.
type ScheduleEntry struct {
	Handle   string
	Expr     string // 5-field cron
	Timezone string // IANA zone; empty means UTC
}

// spec returns the expression with a CRON_TZ prefix.
func (e ScheduleEntry) spec() string {
	tz := e.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return "CRON_TZ=" + tz + " " + e.Expr
}

// Scheduler fires a callback per owner on that owner's cron schedule.
type Scheduler struct {
	cron *cron.Cron
	fire func(handle string)
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // key: handle
}

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	Fire   func(handle string)
	Logger *zap.Logger
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Fire == nil {
		return nil, fmt.Errorf("telegraph: scheduler: fire func is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		fire:    opts.Fire,
		log:     log,
		entries: make(map[string]cron.EntryID),
	}, nil
}

// Add registers or replaces the schedule for entry.Handle.
func (s *Scheduler) Add(entry ScheduleEntry) error {
	if entry.Handle == "" {
		return fmt.Errorf("telegraph: scheduler: handle is required")
	}
	handle := entry.Handle
	id, err := s.cron.AddFunc(entry.spec(), func() {
		s.log.Info("scheduled standup", zap.String("owner", handle))
		s.fire(handle)
	})
	if err != nil {
		return fmt.Errorf("telegraph: scheduler: %s %q: %w", handle, entry.Expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[handle]; ok {
		s.cron.Remove(old)
	}
	s.entries[handle] = id
	return nil
}

// Next returns the next fire time for handle, or zero if it has no schedule
// or the scheduler has not been started.
func (s *Scheduler) Next(handle string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[handle]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// NextAfter computes the next fire time of entry after t without registering it.
func NextAfter(entry ScheduleEntry, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(entry.spec())
	if err != nil {
		return time.Time{}, fmt.Errorf("telegraph: schedule %q: %w", entry.Expr, err)
	}
	return sched.Next(t), nil
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running callbacks or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
