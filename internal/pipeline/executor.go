// Package pipeline runs an ordered list of stages over a session state,
// short-circuiting stages that a resumed session already completed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zulandar/rhythms/internal/session"
	"go.uber.org/zap"
)

// Status is the run state of an Executor.
type Status string

const (
	StatusInit          Status = "INIT"
	StatusRunning       Status = "RUNNING"
	StatusAwaitingInput Status = "AWAITING_INPUT"
	StatusCompleted     Status = "COMPLETED"
	StatusPaused        Status = "PAUSED"
	StatusFailed        Status = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPaused || s == StatusFailed
}

var (
	// ErrUnknownStage is returned when a resumed state names a stage the
	// pipeline does not declare.
	ErrUnknownStage = errors.New("pipeline: unknown stage")
	// ErrInvalidGraph is returned for duplicate names, missing Exec funcs, or
	// upstream references that are not declared earlier.
	ErrInvalidGraph = errors.New("pipeline: invalid stage graph")
	// ErrInterrupted is returned by a stage that abandoned a human-input
	// wait because a pause was requested. The run pauses instead of failing
	// and the stage stays incomplete.
	ErrInterrupted = errors.New("pipeline: stage interrupted by pause")
)

// Inputs maps upstream stage names to their outputs.
type Inputs map[string]session.Output

// Stage is one named unit of work. Upstream names must refer to stages that
// appear earlier in the pipeline.
type Stage struct {
	Name               string
	Upstream           []string
	RequiresHumanInput bool
	Exec               func(ctx context.Context, in Inputs) (session.Output, error)
}

// Snapshotter persists a paused run.
type Snapshotter interface {
	Save(ctx context.Context, owner string, state *session.State) (string, error)
}

// Result describes how a run ended.
type Result struct {
	Status    Status
	State     *session.State
	SessionID string   // set when a paused run was snapshotted
	Executed  []string // stages whose Exec ran during this run
	Skipped   []string // stages short-circuited from a prior session
}

// Executor drives one pipeline run. Create a new Executor per run.
type Executor struct {
	stages []Stage
	snap   Snapshotter
	log    *zap.Logger

	mu      sync.Mutex
	status  Status
	current string
	pause   bool
	pauseCh chan struct{}
	started bool
}

// ExecutorOpts holds parameters for creating an Executor.
type ExecutorOpts struct {
	Stages      []Stage
	Snapshotter Snapshotter
	Logger      *zap.Logger
}

// NewExecutor validates the stage graph and returns an Executor in INIT.
func NewExecutor(opts ExecutorOpts) (*Executor, error) {
	if opts.Snapshotter == nil {
		return nil, fmt.Errorf("pipeline: snapshotter is required")
	}
	if err := Validate(opts.Stages); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		stages:  opts.Stages,
		snap:    opts.Snapshotter,
		log:     log,
		status:  StatusInit,
		pauseCh: make(chan struct{}),
	}, nil
}

// Validate checks that stages form a well-ordered graph.
func Validate(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidGraph)
	}
	seen := make(map[string]bool, len(stages))
	for i, st := range stages {
		if st.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidGraph, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidGraph, st.Name)
		}
		if st.Exec == nil {
			return fmt.Errorf("%w: stage %q has no exec func", ErrInvalidGraph, st.Name)
		}
		for _, up := range st.Upstream {
			if !seen[up] {
				return fmt.Errorf("%w: stage %q depends on %q which is not declared before it", ErrInvalidGraph, st.Name, up)
			}
		}
		seen[st.Name] = true
	}
	return nil
}

// Names returns the declared stage names in order.
func Names(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}

// Status returns the current run state.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CurrentStage returns the stage being executed, or "" between stages.
func (e *Executor) CurrentStage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// RequestPause asks the run to pause before its next stage. A stage blocked
// on human input may observe PauseRequested and return ErrInterrupted. It
// returns false when the run has already ended.
func (e *Executor) RequestPause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return false
	}
	if !e.pause {
		e.pause = true
		close(e.pauseCh)
	}
	return true
}

// PauseRequested is closed once RequestPause has been accepted.
func (e *Executor) PauseRequested() <-chan struct{} {
	return e.pauseCh
}

func (e *Executor) setStatus(s Status, stage string) {
	e.mu.Lock()
	e.status = s
	e.current = stage
	e.mu.Unlock()
}

func (e *Executor) pauseRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pause
}

// Run executes the pipeline over state, which is modified in place. A state
// with completed stages resumes: those stages are skipped and their stored
// outputs are fed to their dependents. The returned Result is never nil; the
// error is non-nil exactly when the run FAILED.
func (e *Executor) Run(ctx context.Context, state *session.State) (*Result, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return &Result{Status: StatusFailed, State: state}, fmt.Errorf("pipeline: executor already ran")
	}
	e.started = true
	e.mu.Unlock()

	res := &Result{Status: StatusInit, State: state}
	if state == nil {
		return e.fail(res, "", fmt.Errorf("pipeline: state is required"))
	}

	if err := e.checkResumable(state); err != nil {
		return e.fail(res, "", err)
	}

	log := e.log.With(zap.String("owner", state.Owner), zap.String("thread", state.Thread.Key()))
	if len(state.CompletedStages) > 0 {
		log.Info("resuming pipeline", zap.Strings("completed", state.CompletedStages))
	}

	outputs := make(Inputs, len(e.stages))
	state.Status = session.StatusActive

	for _, st := range e.stages {
		if prior, ok := state.Output(st.Name); ok && state.Completed(st.Name) {
			outputs[st.Name] = prior
			res.Skipped = append(res.Skipped, st.Name)
			continue
		}

		if e.pauseRequested() {
			return e.pauseRun(ctx, res, log)
		}
		if err := ctx.Err(); err != nil {
			return e.fail(res, st.Name, fmt.Errorf("pipeline: before stage %s: %w", st.Name, err))
		}

		in := make(Inputs, len(st.Upstream))
		for _, up := range st.Upstream {
			in[up] = outputs[up]
		}

		status := StatusRunning
		if st.RequiresHumanInput {
			status = StatusAwaitingInput
		}
		e.setStatus(status, st.Name)
		log.Debug("stage started", zap.String("stage", st.Name))

		out, err := st.Exec(ctx, in)
		if errors.Is(err, ErrInterrupted) && e.pauseRequested() {
			log.Info("stage interrupted by pause", zap.String("stage", st.Name))
			return e.pauseRun(ctx, res, log)
		}
		if err != nil {
			return e.fail(res, st.Name, fmt.Errorf("pipeline: stage %s: %w", st.Name, err))
		}
		out.Stage = st.Name
		state.Record(out)
		outputs[st.Name] = out
		res.Executed = append(res.Executed, st.Name)
		e.setStatus(StatusRunning, "")
		log.Info("stage completed", zap.String("stage", st.Name))
	}

	state.Status = session.StatusCompleted
	e.setStatus(StatusCompleted, "")
	res.Status = StatusCompleted
	log.Info("pipeline completed", zap.Strings("executed", res.Executed))
	return res, nil
}

// checkResumable rejects a prior state whose completed stages are unknown,
// repeated, out of declared order, or missing their output.
func (e *Executor) checkResumable(state *session.State) error {
	pos := make(map[string]int, len(e.stages))
	for i, st := range e.stages {
		pos[st.Name] = i
	}
	last := -1
	for _, name := range state.CompletedStages {
		i, ok := pos[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		if i <= last {
			return fmt.Errorf("%w: completed stage %q repeated or out of order", ErrInvalidGraph, name)
		}
		last = i
		if _, ok := state.Output(name); !ok {
			return fmt.Errorf("%w: completed stage %q has no output", ErrInvalidGraph, name)
		}
	}
	return nil
}

func (e *Executor) pauseRun(ctx context.Context, res *Result, log *zap.Logger) (*Result, error) {
	state := res.State
	state.Status = session.StatusPaused
	if state.Empty() {
		e.setStatus(StatusPaused, "")
		res.Status = StatusPaused
		log.Info("pipeline paused before any stage completed")
		return res, nil
	}

	id, err := e.snap.Save(ctx, state.Owner, state)
	if err != nil {
		return e.fail(res, "", fmt.Errorf("pipeline: snapshot on pause: %w", err))
	}
	e.setStatus(StatusPaused, "")
	res.Status = StatusPaused
	res.SessionID = id
	log.Info("pipeline paused", zap.String("session", id), zap.String("last_stage", state.LastActiveStage))
	return res, nil
}

func (e *Executor) fail(res *Result, stage string, err error) (*Result, error) {
	if res.State != nil {
		res.State.Status = session.StatusError
	}
	e.setStatus(StatusFailed, "")
	res.Status = StatusFailed
	e.log.Warn("pipeline failed", zap.String("stage", stage), zap.Error(err))
	return res, err
}
