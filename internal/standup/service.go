// Package standup runs daily standup interviews: it admits one run per
// owner, drives the fetch, draft and collect pipeline, and records the
// approved standup.
package standup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/rhythms/internal/activity"
	"github.com/zulandar/rhythms/internal/models"
	"github.com/zulandar/rhythms/internal/pipeline"
	"github.com/zulandar/rhythms/internal/session"
	"github.com/zulandar/rhythms/internal/telegraph"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service implements telegraph.Handler.
type Service struct {
	db           *gorm.DB
	store        *session.Store
	final        *FinalStore
	active       *ActiveSessions
	adapter      telegraph.Adapter
	bridge       *telegraph.Bridge
	sources      []activity.Summarizer
	drafter      Drafter
	replyTimeout time.Duration
	lookback     time.Duration
	maxRounds    int
	channel      string
	log          *zap.Logger
	now          func() time.Time

	wg sync.WaitGroup
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	DB                *gorm.DB
	Store             *session.Store
	Final             *FinalStore
	Active            *ActiveSessions // defaults to an empty registry
	Adapter           telegraph.Adapter
	Bridge            *telegraph.Bridge
	Sources           []activity.Summarizer
	Drafter           Drafter // defaults to TemplateDrafter
	ReplyTimeout      time.Duration
	Lookback          time.Duration // defaults to 24h
	MaxRevisionRounds int           // defaults to 3
	DefaultChannel    string        // used by scheduled runs for users without a channel
	Logger            *zap.Logger
	Now               func() time.Time
}

// NewService creates a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("standup: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("standup: session store is required")
	}
	if opts.Final == nil {
		return nil, fmt.Errorf("standup: final store is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("standup: adapter is required")
	}
	if opts.Bridge == nil {
		return nil, fmt.Errorf("standup: bridge is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Active == nil {
		opts.Active = NewActiveSessions(opts.Now)
	}
	if opts.Drafter == nil {
		opts.Drafter = TemplateDrafter{}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.MaxRevisionRounds <= 0 {
		opts.MaxRevisionRounds = 3
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:           opts.DB,
		store:        opts.Store,
		final:        opts.Final,
		active:       opts.Active,
		adapter:      opts.Adapter,
		bridge:       opts.Bridge,
		sources:      opts.Sources,
		drafter:      opts.Drafter,
		replyTimeout: opts.ReplyTimeout,
		lookback:     opts.Lookback,
		maxRounds:    opts.MaxRevisionRounds,
		channel:      opts.DefaultChannel,
		log:          log.Named("standup"),
		now:          opts.Now,
	}, nil
}

// Active returns the registry of in-flight runs.
func (s *Service) Active() *ActiveSessions {
	return s.active
}

// Wait blocks until every launched run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Start begins a fresh standup for the trigger's user.
func (s *Service) Start(ctx context.Context, t telegraph.Trigger) {
	user, ok := s.user(ctx, t)
	if !ok {
		return
	}
	s.launch(ctx, t, user, nil, "")
}

// Pause asks the user's running standup to pause and save its progress.
func (s *Service) Pause(ctx context.Context, t telegraph.Trigger) {
	user, ok := s.user(ctx, t)
	if !ok {
		return
	}
	run, ok := s.active.Get(user.Handle)
	if !ok || !run.RequestPause() {
		s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("info", "No standup running", ""))
		return
	}
	s.log.Info("pause requested", zap.String("owner", user.Handle))
	thread := run.Thread()
	if thread.ChannelID != t.ChannelID || thread.ThreadID != t.ThreadID {
		s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("info", "Pausing your standup", ""))
	}
}

// Resume continues the session named by the trigger argument, or the user's
// most recent saved session.
func (s *Service) Resume(ctx context.Context, t telegraph.Trigger) {
	user, ok := s.user(ctx, t)
	if !ok {
		return
	}

	id := t.Arg
	var (
		state *session.State
		err   error
	)
	if id == "" {
		id, state, err = s.store.Latest(ctx, user.Handle)
	} else {
		state, err = s.store.Load(ctx, id)
		if err == nil && state.Owner != user.Handle {
			err = fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
	}
	if errors.Is(err, session.ErrNotFound) {
		s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("warning", "No saved standup to resume", ""))
		return
	}
	if err == nil {
		id, state, err = s.continuation(ctx, id, state)
	}
	if err != nil {
		s.log.Error("load session for resume", zap.String("owner", user.Handle), zap.String("session", id), zap.Error(err))
		s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("error", "Could not load saved standup", err.Error()))
		return
	}
	if state.Status == session.StatusCompleted {
		s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("info", "That standup was already submitted", id))
		return
	}

	// A resumed run always talks in a fresh thread.
	t.ThreadID = ""
	s.launch(ctx, t, user, state, id)
}

// maxContinuations bounds how many resumed snapshots continuation follows.
const maxContinuations = 32

// continuation follows runs resumed from id to the newest snapshot that
// continued it, so an already resumed session picks up from its latest save.
func (s *Service) continuation(ctx context.Context, id string, state *session.State) (string, *session.State, error) {
	for i := 0; i < maxContinuations; i++ {
		next, st, err := s.store.Successor(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			return id, state, nil
		}
		if err != nil {
			return id, nil, err
		}
		s.log.Debug("following resumed session", zap.String("session", id), zap.String("continued_as", next))
		id, state = next, st
	}
	return id, state, nil
}

// ListSessions posts the user's saved sessions.
func (s *Service) ListSessions(ctx context.Context, t telegraph.Trigger) {
	user, ok := s.user(ctx, t)
	if !ok {
		return
	}
	infos, err := s.store.List(ctx, user.Handle)
	if err != nil {
		s.log.Error("list sessions", zap.String("owner", user.Handle), zap.Error(err))
		s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("error", "Could not list sessions", err.Error()))
		return
	}
	s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatSessionList(user.Handle, infos))
}

// ScheduleEntries returns one schedule per user, using defaultExpr for users
// without their own.
func (s *Service) ScheduleEntries(ctx context.Context, defaultExpr string) ([]telegraph.ScheduleEntry, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Order("handle").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("standup: list users: %w", err)
	}
	entries := make([]telegraph.ScheduleEntry, 0, len(users))
	for _, u := range users {
		expr := u.Schedule
		if expr == "" {
			expr = defaultExpr
		}
		entries = append(entries, telegraph.ScheduleEntry{Handle: u.Handle, Expr: expr, Timezone: u.Timezone})
	}
	return entries, nil
}

// user resolves the trigger's owner, notifying unknown chat users.
func (s *Service) user(ctx context.Context, t telegraph.Trigger) (models.User, bool) {
	var u models.User
	q := s.db.WithContext(ctx)
	var err error
	if t.Handle != "" {
		err = q.Where("handle = ?", t.Handle).First(&u).Error
	} else {
		err = q.Where("chat_user_id = ?", t.UserID).First(&u).Error
	}
	if err == nil && (t.Handle != "" || t.UserID != "") {
		return u, true
	}
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrUnknownUser
	}
	s.log.Warn("unresolved trigger user",
		zap.String("handle", t.Handle), zap.String("participant", t.UserID), zap.Error(err))
	if !t.Scheduled {
		s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("warning",
			"I don't know you yet", "Ask an admin to add you with `rhy user add`."))
	}
	return models.User{}, false
}

func (s *Service) launch(ctx context.Context, t telegraph.Trigger, user models.User, prior *session.State, resumedFrom string) {
	channel := t.ChannelID
	if channel == "" {
		channel = user.ChannelID
	}
	if channel == "" {
		channel = s.channel
	}
	log := s.log.With(zap.String("owner", user.Handle))
	if channel == "" {
		log.Warn("no channel for standup")
		return
	}

	run, ok := s.active.TryStart(user.Handle, session.ThreadRef{ChannelID: channel, ThreadID: t.ThreadID}, resumedFrom)
	if !ok {
		log.Info("standup already running", zap.String("thread", run.Thread().Key()))
		if !t.Scheduled {
			s.notify(ctx, t.ChannelID, t.ThreadID, telegraph.FormatNotice("info",
				"You already have a standup in progress", "Reply in its thread, or `pause` it first."))
		}
		return
	}

	thread := s.openThread(ctx, t, user, channel, resumedFrom)
	run.setThread(thread)

	var state *session.State
	if prior != nil {
		state = prior.Clone()
		state.Owner = user.Handle
		state.Thread = thread
		state.ResumedFrom = resumedFrom
	} else {
		state = session.NewState(user.Handle, thread, s.now())
	}

	exec, err := pipeline.NewExecutor(pipeline.ExecutorOpts{
		Stages:      s.stages(user, run),
		Snapshotter: s.store,
		Logger:      s.log,
	})
	if err != nil {
		s.active.Release(run)
		log.Error("build pipeline", zap.Error(err))
		s.notify(ctx, thread.ChannelID, thread.ThreadID, telegraph.FormatNotice("error", "Could not start standup", err.Error()))
		return
	}
	run.attach(exec)

	log.Info("standup started", zap.String("thread", thread.Key()), zap.String("resumed_from", resumedFrom))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Release(run)
		s.execute(ctx, user, exec, state)
	}()
}

// openThread picks the thread a run talks in: the trigger's thread, else a
// new thread, else a reply to the trigger message.
func (s *Service) openThread(ctx context.Context, t telegraph.Trigger, user models.User, channel, resumedFrom string) session.ThreadRef {
	ref := session.ThreadRef{ChannelID: channel, ThreadID: t.ThreadID}
	if t.ThreadID != "" {
		return ref
	}
	ref.ThreadID = t.MessageID

	starter, ok := s.adapter.(telegraph.ThreadStarter)
	if !ok {
		return ref
	}
	greeting := fmt.Sprintf("Good morning %s! Time for your daily standup.", mention(user))
	if resumedFrom != "" {
		greeting = fmt.Sprintf("Picking up where we left off, %s (session `%s`).", mention(user), resumedFrom)
	}
	id, err := starter.StartThread(ctx, channel, greeting)
	if err != nil {
		s.log.Warn("start thread failed", zap.String("owner", user.Handle), zap.String("channel", channel), zap.Error(err))
		return ref
	}
	ref.ThreadID = id
	return ref
}

func mention(u models.User) string {
	if u.ChatUserID == "" {
		return u.Handle
	}
	return "<@" + u.ChatUserID + ">"
}

// execute runs the pipeline and reports the outcome in the run's thread.
func (s *Service) execute(ctx context.Context, user models.User, exec *pipeline.Executor, state *session.State) {
	res, err := exec.Run(ctx, state)
	thread := state.Thread
	log := s.log.With(zap.String("owner", user.Handle), zap.String("thread", thread.Key()))

	// The run context may already be gone; outcome notices still go out.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch res.Status {
	case pipeline.StatusCompleted:
		s.finish(notifyCtx, user, res.State)

	case pipeline.StatusPaused:
		body := "Nothing was saved yet. Start again with `!standup`."
		if res.SessionID != "" {
			body = fmt.Sprintf("Resume with `!standup resume %s`.", res.SessionID)
		}
		s.notify(notifyCtx, thread.ChannelID, thread.ThreadID, telegraph.FormatNotice("info", "Standup paused", body))

	default:
		if errors.Is(err, telegraph.ErrReplyTimeout) {
			log.Info("standup timed out")
			s.notify(notifyCtx, thread.ChannelID, thread.ThreadID, telegraph.FormatNotice("warning",
				"Standup timed out", "I didn't hear back, so I stopped here. Start again with `!standup`."))
			return
		}
		log.Error("standup failed", zap.Error(err))
		s.notify(notifyCtx, thread.ChannelID, thread.ThreadID, telegraph.FormatNotice("error", "Standup failed", errText(err)))
	}
}

// finish records the approved draft for the owner's local date.
func (s *Service) finish(ctx context.Context, user models.User, state *session.State) {
	thread := state.Thread
	out, _ := state.Output(StageCollect)
	var d Draft
	if err := json.Unmarshal(out.Data, &d); err != nil {
		s.log.Error("decode final draft", zap.String("owner", user.Handle), zap.Error(err))
		s.notify(ctx, thread.ChannelID, thread.ThreadID, telegraph.FormatNotice("error", "Standup failed", err.Error()))
		return
	}

	date := LocalDate(user, s.now())
	if _, err := s.final.RecordFinalStandup(ctx, user.Handle, date, d.Items); err != nil {
		s.log.Error("record standup", zap.String("owner", user.Handle), zap.Error(err))
		s.notify(ctx, thread.ChannelID, thread.ThreadID, telegraph.FormatNotice("error", "Could not save your standup", err.Error()))
		return
	}
	s.log.Info("standup submitted", zap.String("owner", user.Handle), zap.String("date", date), zap.Int("items", len(d.Items)))
	if state.ResumedFrom != "" {
		// A COMPLETED snapshot closes the resumed chain.
		if _, err := s.store.Save(ctx, user.Handle, state); err != nil {
			s.log.Warn("save completed session", zap.String("owner", user.Handle),
				zap.String("resumed_from", state.ResumedFrom), zap.Error(err))
		}
	}
	s.notify(ctx, thread.ChannelID, thread.ThreadID,
		telegraph.FormatItems(fmt.Sprintf("Standup submitted for %s", date), "success", d.Groups()))
}

func (s *Service) notify(ctx context.Context, channel, thread string, ev telegraph.FormattedEvent) {
	err := s.adapter.Send(ctx, telegraph.OutboundMessage{
		ChannelID: channel,
		ThreadID:  thread,
		Events:    []telegraph.FormattedEvent{ev},
	})
	if err != nil {
		s.log.Warn("send notice", zap.String("channel", channel), zap.String("thread", thread), zap.Error(err))
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
