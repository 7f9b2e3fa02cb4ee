package telegraph

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestDeduper_WithinWindow(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	d := NewDeduper(10*time.Second, clk.now)

	if d.Seen("start:U1:C1:") {
		t.Fatal("first sighting should not be a duplicate")
	}
	clk.advance(3 * time.Second)
	if !d.Seen("start:U1:C1:") {
		t.Error("repeat within window should be a duplicate")
	}
	if d.Seen("start:U2:C1:") {
		t.Error("different key should not be a duplicate")
	}
}

func TestDeduper_WindowExpires(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	d := NewDeduper(10*time.Second, clk.now)

	d.Seen("k")
	clk.advance(9 * time.Second)
	if !d.Seen("k") {
		t.Fatal("expected duplicate at 9s")
	}
	// Duplicates do not extend the window.
	clk.advance(time.Second)
	if d.Seen("k") {
		t.Error("expected window to expire at 10s")
	}
}

func TestDeduper_PrunesOldKeys(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	d := NewDeduper(time.Second, clk.now)
	for _, k := range []string{"a", "b", "c"} {
		d.Seen(k)
	}
	clk.advance(2 * time.Second)
	d.Seen("d")
	if len(d.seen) != 1 {
		t.Errorf("len(seen) = %d, want 1", len(d.seen))
	}
}

func TestNewDeduper_Defaults(t *testing.T) {
	d := NewDeduper(0, nil)
	if d.window != DefaultDedupWindow {
		t.Errorf("window = %v, want %v", d.window, DefaultDedupWindow)
	}
	if d.now == nil {
		t.Error("now should default to time.Now")
	}
}
