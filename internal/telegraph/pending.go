package telegraph

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrReplyTimeout is returned when no reply arrives within the wait window.
	ErrReplyTimeout = errors.New("telegraph: timed out waiting for reply")
	// ErrReplySuperseded is returned to a waiter whose entry was replaced by a
	// newer wait on the same key.
	ErrReplySuperseded = errors.New("telegraph: reply wait superseded")
)

// ReplyKey identifies who may answer a pending prompt and where.
type ReplyKey struct {
	ChannelID     string
	ParticipantID string
	ThreadID      string
}

// pendingReply is a one-shot wait. slot has capacity 1 and is written at most
// once, under PendingReplies.mu, by the Deliver call that removes the entry.
type pendingReply struct {
	slot       chan string
	superseded chan struct{}
	prompt     string
	created    time.Time
}

// PendingReplies maps reply keys to the stage currently blocked on them.
// At most one entry exists per key.
type PendingReplies struct {
	mu      sync.Mutex
	entries map[ReplyKey]*pendingReply
	now     func() time.Time
	log     *zap.Logger
}

// PendingRepliesOpts holds parameters for creating a PendingReplies.
type PendingRepliesOpts struct {
	Logger *zap.Logger
	Now    func() time.Time // defaults to time.Now
}

// NewPendingReplies creates an empty registry.
func NewPendingReplies(opts PendingRepliesOpts) *PendingReplies {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PendingReplies{
		entries: make(map[ReplyKey]*pendingReply),
		now:     now,
		log:     log,
	}
}

// install places a fresh entry at key, superseding any existing one.
func (p *PendingReplies) install(key ReplyKey, prompt string) *pendingReply {
	entry := &pendingReply{
		slot:       make(chan string, 1),
		superseded: make(chan struct{}),
		prompt:     prompt,
		created:    p.now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.entries[key]; ok {
		close(old.superseded)
		p.log.Debug("superseding stale pending reply",
			zap.String("channel", key.ChannelID),
			zap.String("participant", key.ParticipantID),
			zap.String("thread", key.ThreadID),
		)
	}
	p.entries[key] = entry
	return entry
}

// Deliver hands text to the waiter at key. It returns false, with no other
// effect, when nobody is waiting or the message predates the prompt.
func (p *PendingReplies) Deliver(key ReplyKey, text string, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok {
		return false
	}
	if !at.IsZero() && at.Before(notBefore(entry.created, at)) {
		return false
	}
	delete(p.entries, key)
	entry.slot <- text
	return true
}

// notBefore is the earliest timestamp that may answer a prompt issued at
// created. A whole-second at may come from a platform with second precision,
// so it is compared at that precision.
func notBefore(created, at time.Time) time.Time {
	if at.Nanosecond() == 0 {
		return created.Truncate(time.Second)
	}
	return created
}

// wait blocks until entry is satisfied, superseded, timed out, or ctx ends.
// Whatever the outcome, entry is no longer registered when wait returns.
func (p *PendingReplies) wait(ctx context.Context, key ReplyKey, entry *pendingReply, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case text := <-entry.slot:
		return text, nil
	case <-entry.superseded:
		return "", ErrReplySuperseded
	case <-timer.C:
		cause = ErrReplyTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[key] == entry {
		delete(p.entries, key)
		return "", cause
	}
	// Lost the race with Deliver or install; both act under mu, so the
	// outcome is already visible.
	select {
	case text := <-entry.slot:
		return text, nil
	default:
		return "", ErrReplySuperseded
	}
}

// Pending reports whether a wait is installed at key.
func (p *PendingReplies) Pending(key ReplyKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// Prompt returns the prompt text of the wait installed at key.
func (p *PendingReplies) Prompt(key ReplyKey) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return "", false
	}
	return entry.prompt, true
}

// Len returns the number of installed waits.
func (p *PendingReplies) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
