package standup

import (
	"sort"
	"sync"
	"time"

	"github.com/zulandar/rhythms/internal/pipeline"
	"github.com/zulandar/rhythms/internal/session"
)

// Run is one in-flight standup owned by a single user.
type Run struct {
	Owner       string
	StartedAt   time.Time
	ResumedFrom string // session id the run was resumed from, if any

	mu           sync.Mutex
	thread       session.ThreadRef
	exec         *pipeline.Executor
	pausePending bool
}

// Thread returns the chat thread the run talks in.
func (r *Run) Thread() session.ThreadRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thread
}

func (r *Run) setThread(t session.ThreadRef) {
	r.mu.Lock()
	r.thread = t
	r.mu.Unlock()
}

// Executor returns the run's executor, or nil while the run is starting.
func (r *Run) Executor() *pipeline.Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec
}

// RequestPause asks the run to pause. A run that is still starting keeps the
// request and hands it to its executor on attach. It returns false once the
// run has ended.
func (r *Run) RequestPause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec == nil {
		r.pausePending = true
		return true
	}
	return r.exec.RequestPause()
}

func (r *Run) attach(exec *pipeline.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = exec
	if r.pausePending {
		exec.RequestPause()
	}
}

// RunInfo is a point-in-time view of a Run.
type RunInfo struct {
	Owner       string            `json:"owner"`
	Thread      session.ThreadRef `json:"thread"`
	StartedAt   time.Time         `json:"started_at"`
	ResumedFrom string            `json:"resumed_from,omitempty"`
	Status      pipeline.Status   `json:"status"`
	Stage       string            `json:"stage,omitempty"`
}

// Info snapshots the run.
func (r *Run) Info() RunInfo {
	info := RunInfo{
		Owner:       r.Owner,
		Thread:      r.Thread(),
		StartedAt:   r.StartedAt,
		ResumedFrom: r.ResumedFrom,
		Status:      pipeline.StatusInit,
	}
	if exec := r.Executor(); exec != nil {
		info.Status = exec.Status()
		info.Stage = exec.CurrentStage()
	}
	return info
}

// ActiveSessions admits at most one Run per owner. It is a mutual-exclusion
// gate with no queue: a start for a busy owner is refused.
type ActiveSessions struct {
	mu   sync.Mutex
	runs map[string]*Run
	now  func() time.Time
}

// NewActiveSessions creates an empty registry.
func NewActiveSessions(now func() time.Time) *ActiveSessions {
	if now == nil {
		now = time.Now
	}
	return &ActiveSessions{runs: make(map[string]*Run), now: now}
}

// TryStart registers a new Run for owner. When owner already has one, it
// returns that run and false.
func (a *ActiveSessions) TryStart(owner string, thread session.ThreadRef, resumedFrom string) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.runs[owner]; ok {
		return cur, false
	}
	run := &Run{Owner: owner, StartedAt: a.now(), ResumedFrom: resumedFrom, thread: thread}
	a.runs[owner] = run
	return run, true
}

// Get returns the owner's active run.
func (a *ActiveSessions) Get(owner string) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[owner]
	return run, ok
}

// Clear removes whatever run owner has.
func (a *ActiveSessions) Clear(owner string) {
	a.mu.Lock()
	delete(a.runs, owner)
	a.mu.Unlock()
}

// Release removes run only if it is still the owner's current run.
func (a *ActiveSessions) Release(run *Run) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs[run.Owner] != run {
		return false
	}
	delete(a.runs, run.Owner)
	return true
}

// Len returns the number of active runs.
func (a *ActiveSessions) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

// List returns every active run ordered by owner.
func (a *ActiveSessions) List() []RunInfo {
	a.mu.Lock()
	runs := make([]*Run, 0, len(a.runs))
	for _, r := range a.runs {
		runs = append(runs, r)
	}
	a.mu.Unlock()

	infos := make([]RunInfo, len(runs))
	for i, r := range runs {
		infos[i] = r.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Owner < infos[j].Owner })
	return infos
}
