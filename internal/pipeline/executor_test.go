package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/rhythms/internal/session"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memSnapshotter records every save in memory.
type memSnapshotter struct {
	mu    sync.Mutex
	saved map[string]*session.State
	order []string
	err   error
}

func newMemSnapshotter() *memSnapshotter {
	return &memSnapshotter{saved: make(map[string]*session.State)}
}

func (m *memSnapshotter) Save(_ context.Context, owner string, st *session.State) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	id := owner + "-snap-" + string(rune('a'+len(m.order)))
	m.saved[id] = st.Clone()
	m.order = append(m.order, id)
	return id, nil
}

func (m *memSnapshotter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

var errTimedOut = errors.New("reply timed out")

// standupStages builds fetch -> draft -> collect. collect blocks on replies.
type standupStages struct {
	mu       sync.Mutex
	calls    []string
	inputs   map[string]Inputs
	replies  chan string
	onDraft  func()
	collectE error
	pause    <-chan struct{}
}

func newStandupStages() *standupStages {
	return &standupStages{inputs: make(map[string]Inputs), replies: make(chan string, 1)}
}

func (s *standupStages) record(name string, in Inputs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	s.inputs[name] = in
}

func (s *standupStages) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *standupStages) stages() []Stage {
	return []Stage{
		{
			Name: "fetch",
			Exec: func(ctx context.Context, in Inputs) (session.Output, error) {
				s.record("fetch", in)
				return session.Output{Raw: "merged #12"}, nil
			},
		},
		{
			Name:     "draft",
			Upstream: []string{"fetch"},
			Exec: func(ctx context.Context, in Inputs) (session.Output, error) {
				s.record("draft", in)
				if s.onDraft != nil {
					s.onDraft()
				}
				return session.Output{Raw: "Yesterday: " + in["fetch"].Raw, Summary: "draft"}, nil
			},
		},
		{
			Name:               "collect",
			Upstream:           []string{"draft"},
			RequiresHumanInput: true,
			Exec: func(ctx context.Context, in Inputs) (session.Output, error) {
				s.record("collect", in)
				if s.collectE != nil {
					return session.Output{}, s.collectE
				}
				select {
				case r := <-s.replies:
					return session.Output{Raw: r, Prompt: in["draft"].Raw + "\nLook right?"}, nil
				case <-s.pause:
					return session.Output{}, fmt.Errorf("collect: %w", ErrInterrupted)
				case <-ctx.Done():
					return session.Output{}, ctx.Err()
				}
			},
		},
	}
}

func newState() *session.State {
	return session.NewState("alice", session.ThreadRef{ChannelID: "C1", ThreadID: "T1"}, time.Now())
}

func TestNewExecutor_RequiresSnapshotter(t *testing.T) {
	_, err := NewExecutor(ExecutorOpts{Stages: newStandupStages().stages()})
	require.Error(t, err)
}

func TestValidate_InvalidGraphs(t *testing.T) {
	noop := func(context.Context, Inputs) (session.Output, error) { return session.Output{}, nil }
	tests := []struct {
		name   string
		stages []Stage
	}{
		{"empty", nil},
		{"unnamed", []Stage{{Exec: noop}}},
		{"duplicate", []Stage{{Name: "a", Exec: noop}, {Name: "a", Exec: noop}}},
		{"no exec", []Stage{{Name: "a"}}},
		{"forward reference", []Stage{{Name: "a", Upstream: []string{"b"}, Exec: noop}, {Name: "b", Exec: noop}}},
		{"self reference", []Stage{{Name: "a", Upstream: []string{"a"}, Exec: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.stages)
			assert.ErrorIs(t, err, ErrInvalidGraph)
		})
	}
}

func TestRun_FreshToCompletion(t *testing.T) {
	s := newStandupStages()
	snap := newMemSnapshotter()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: snap})
	require.NoError(t, err)
	assert.Equal(t, StatusInit, ex.Status())

	s.replies <- "Looks good"
	st := newState()
	res, err := ex.Run(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StatusCompleted, ex.Status())
	assert.Equal(t, []string{"fetch", "draft", "collect"}, res.Executed)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, []string{"fetch", "draft", "collect"}, st.CompletedStages)
	assert.Equal(t, "collect", st.LastActiveStage)
	assert.Equal(t, session.StatusCompleted, st.Status)

	out, ok := st.Output("collect")
	require.True(t, ok)
	assert.Equal(t, "Looks good", out.Raw)
	assert.Equal(t, "Yesterday: merged #12\nLook right?", out.Prompt)
	assert.Equal(t, 0, snap.count(), "completion must not snapshot")
}

func TestRun_AwaitingInputWhileHumanStageBlocks(t *testing.T) {
	s := newStandupStages()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: newMemSnapshotter()})
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, _ := ex.Run(context.Background(), newState())
		done <- res
	}()

	require.Eventually(t, func() bool {
		return ex.Status() == StatusAwaitingInput
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "collect", ex.CurrentStage())

	s.replies <- "ship it"
	res := <-done
	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, ex.RequestPause(), "pause after completion is rejected")
}

func TestRun_PauseAfterDraftThenResume(t *testing.T) {
	s := newStandupStages()
	snap := newMemSnapshotter()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: snap})
	require.NoError(t, err)
	s.onDraft = func() { assert.True(t, ex.RequestPause()) }

	res, err := ex.Run(context.Background(), newState())
	require.NoError(t, err)
	require.Equal(t, StatusPaused, res.Status)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, []string{"fetch", "draft"}, s.called())

	saved := snap.saved[res.SessionID]
	require.NotNil(t, saved)
	assert.Equal(t, []string{"fetch", "draft"}, saved.CompletedStages)
	assert.Equal(t, "draft", saved.LastActiveStage)
	assert.Equal(t, session.StatusPaused, saved.Status)
	before := append([]string(nil), saved.CompletedStages...)

	// Resume on a fresh executor from the snapshot.
	s2 := newStandupStages()
	ex2, err := NewExecutor(ExecutorOpts{Stages: s2.stages(), Snapshotter: snap})
	require.NoError(t, err)
	s2.replies <- "Looks good"

	resumed := saved.Clone()
	res2, err := ex2.Run(context.Background(), resumed)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res2.Status)
	assert.Equal(t, []string{"collect"}, s2.called())
	assert.Equal(t, []string{"collect"}, res2.Executed)
	assert.Equal(t, []string{"fetch", "draft"}, res2.Skipped)
	assert.Equal(t, "Yesterday: merged #12", s2.inputs["collect"]["draft"].Raw)
	assert.Subset(t, resumed.CompletedStages, before)
}

func TestRun_PauseInterruptsHumanInputWait(t *testing.T) {
	s := newStandupStages()
	snap := newMemSnapshotter()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: snap})
	require.NoError(t, err)
	s.pause = ex.PauseRequested()

	done := make(chan *Result, 1)
	go func() {
		res, _ := ex.Run(context.Background(), newState())
		done <- res
	}()
	require.Eventually(t, func() bool {
		return ex.Status() == StatusAwaitingInput
	}, time.Second, 5*time.Millisecond)

	require.True(t, ex.RequestPause())
	require.True(t, ex.RequestPause(), "repeat requests are accepted until the run ends")
	res := <-done

	assert.Equal(t, StatusPaused, res.Status)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, []string{"fetch", "draft"}, snap.saved[res.SessionID].CompletedStages)
}

func TestRun_InterruptWithoutPauseFails(t *testing.T) {
	s := newStandupStages()
	s.collectE = ErrInterrupted
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: newMemSnapshotter()})
	require.NoError(t, err)

	res, err := ex.Run(context.Background(), newState())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRun_ResumeRethreadsSkippedOutputs(t *testing.T) {
	s := newStandupStages()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: newMemSnapshotter()})
	require.NoError(t, err)

	st := newState()
	st.Record(session.Output{Stage: "fetch", Raw: "stored fetch"})
	s.replies <- "ok"

	res, err := ex.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"draft", "collect"}, res.Executed)
	assert.Equal(t, "stored fetch", s.inputs["draft"]["fetch"].Raw)
	assert.Equal(t, "Yesterday: stored fetch", s.inputs["collect"]["draft"].Raw)
}

func TestRun_HumanInputTimeoutFails(t *testing.T) {
	s := newStandupStages()
	s.collectE = errTimedOut
	snap := newMemSnapshotter()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: snap})
	require.NoError(t, err)

	st := newState()
	res, err := ex.Run(context.Background(), st)
	require.Error(t, err)
	assert.ErrorIs(t, err, errTimedOut)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StatusFailed, ex.Status())
	assert.Equal(t, session.StatusError, st.Status)
	assert.Equal(t, 0, snap.count(), "failure must not snapshot")
	assert.Equal(t, []string{"fetch", "draft"}, st.CompletedStages)
}

func TestRun_PauseBeforeAnyStage(t *testing.T) {
	s := newStandupStages()
	snap := newMemSnapshotter()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: snap})
	require.NoError(t, err)
	require.True(t, ex.RequestPause())

	res, err := ex.Run(context.Background(), newState())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, res.Status)
	assert.Empty(t, res.SessionID)
	assert.Empty(t, s.called())
	assert.Equal(t, 0, snap.count())
}

func TestRun_PauseSnapshotFailureFails(t *testing.T) {
	s := newStandupStages()
	snap := newMemSnapshotter()
	snap.err = errors.New("disk full")
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: snap})
	require.NoError(t, err)
	s.onDraft = func() { ex.RequestPause() }

	res, err := ex.Run(context.Background(), newState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRun_UnknownCompletedStage(t *testing.T) {
	ex, err := NewExecutor(ExecutorOpts{Stages: newStandupStages().stages(), Snapshotter: newMemSnapshotter()})
	require.NoError(t, err)

	st := newState()
	st.Record(session.Output{Stage: "retro"})
	res, err := ex.Run(context.Background(), st)
	assert.ErrorIs(t, err, ErrUnknownStage)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRun_RejectsInconsistentPriorState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(st *session.State)
	}{
		{"completed stage without output", func(st *session.State) {
			st.CompletedStages = []string{"fetch"}
		}},
		{"out of declared order", func(st *session.State) {
			st.Record(session.Output{Stage: "draft", Raw: "d"})
			st.Record(session.Output{Stage: "fetch", Raw: "f"})
		}},
		{"repeated stage", func(st *session.State) {
			st.Record(session.Output{Stage: "fetch", Raw: "f"})
			st.CompletedStages = append(st.CompletedStages, "fetch")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStandupStages()
			ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: newMemSnapshotter()})
			require.NoError(t, err)

			st := newState()
			tt.mutate(st)
			res, err := ex.Run(context.Background(), st)
			assert.ErrorIs(t, err, ErrInvalidGraph)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Empty(t, s.called(), "no stage may run")
		})
	}
}

func TestRun_CancelledContext(t *testing.T) {
	s := newStandupStages()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: newMemSnapshotter()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.onDraft = cancel

	res, err := ex.Run(ctx, newState())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []string{"fetch", "draft"}, s.called())
}

func TestRun_OnlyOnce(t *testing.T) {
	s := newStandupStages()
	ex, err := NewExecutor(ExecutorOpts{Stages: s.stages(), Snapshotter: newMemSnapshotter()})
	require.NoError(t, err)
	s.replies <- "ok"
	_, err = ex.Run(context.Background(), newState())
	require.NoError(t, err)

	_, err = ex.Run(context.Background(), newState())
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"fetch", "draft", "collect"}, Names(newStandupStages().stages()))
}
