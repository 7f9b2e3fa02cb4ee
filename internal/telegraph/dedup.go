package telegraph

import (
	"sync"
	"time"
)

// DefaultDedupWindow is the default duplicate-suppression window.
const DefaultDedupWindow = 10 * time.Second

// Deduper suppresses repeats of the same key inside a recency window.
type Deduper struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewDeduper creates a Deduper. A nil now defaults to time.Now.
func NewDeduper(window time.Duration, now func() time.Time) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Deduper{window: window, now: now, seen: make(map[string]time.Time)}
}

// Seen records key and reports whether it was already recorded within the
// window. A duplicate does not extend the window.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[key]; dup {
		return true
	}
	d.seen[key] = now
	return false
}
