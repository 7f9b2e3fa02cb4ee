// Package session persists point-in-time snapshots of standup conversations.
package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a conversation session.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

// ThreadRef identifies the chat channel/thread pair a session is bound to.
type ThreadRef struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Key returns the "channelID:threadID" form used for map keys.
func (r ThreadRef) Key() string {
	return r.ChannelID + ":" + r.ThreadID
}

// Output is the recorded result of one pipeline stage.
type Output struct {
	Stage   string          `json:"stage"`
	Raw     string          `json:"raw"`
	Summary string          `json:"summary,omitempty"`
	Prompt  string          `json:"prompt,omitempty"` // participant-visible prompt, if any
	Data    json.RawMessage `json:"data,omitempty"`
}

// State is the serializable snapshot of one conversation session.
// StageOutputs and CompletedStages are kept in pipeline order.
type State struct {
	Owner           string    `json:"owner"`
	Thread          ThreadRef `json:"thread"`
	Status          Status    `json:"status"`
	StageOutputs    []Output  `json:"stage_outputs"`
	CompletedStages []string  `json:"completed_stages"`
	LastActiveStage string    `json:"last_active_stage,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	ResumedFrom     string    `json:"resumed_from,omitempty"` // snapshot this run continued
}

// NewState returns an ACTIVE state with no completed stages.
func NewState(owner string, thread ThreadRef, startedAt time.Time) *State {
	return &State{
		Owner:     owner,
		Thread:    thread,
		Status:    StatusActive,
		StartedAt: startedAt,
	}
}

// Empty reports whether there is nothing worth persisting.
func (s *State) Empty() bool {
	return s == nil || len(s.CompletedStages) == 0
}

// Completed reports whether stage has a recorded result.
func (s *State) Completed(stage string) bool {
	if s == nil {
		return false
	}
	for _, name := range s.CompletedStages {
		if name == stage {
			return true
		}
	}
	return false
}

// Output returns the recorded output for stage.
func (s *State) Output(stage string) (Output, bool) {
	if s == nil {
		return Output{}, false
	}
	for _, o := range s.StageOutputs {
		if o.Stage == stage {
			return o, true
		}
	}
	return Output{}, false
}

// Record appends out as the newest completed stage. Recording a stage that is
// already complete replaces its output in place.
func (s *State) Record(out Output) {
	for i, o := range s.StageOutputs {
		if o.Stage == out.Stage {
			s.StageOutputs[i] = out
			return
		}
	}
	s.StageOutputs = append(s.StageOutputs, out)
	if !s.Completed(out.Stage) {
		s.CompletedStages = append(s.CompletedStages, out.Stage)
	}
	s.LastActiveStage = out.Stage
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.StageOutputs != nil {
		c.StageOutputs = make([]Output, len(s.StageOutputs))
		for i, o := range s.StageOutputs {
			if o.Data != nil {
				o.Data = append(json.RawMessage(nil), o.Data...)
			}
			c.StageOutputs[i] = o
		}
	}
	if s.CompletedStages != nil {
		c.CompletedStages = append([]string{}, s.CompletedStages...)
	}
	return &c
}
