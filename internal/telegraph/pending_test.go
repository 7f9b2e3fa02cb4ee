package telegraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

var testKey = ReplyKey{ChannelID: "C1", ParticipantID: "U1", ThreadID: "T1"}

func TestPendingReplies_DeliverWithoutWaiterIsDropped(t *testing.T) {
	p := NewPendingReplies(PendingRepliesOpts{})
	if p.Deliver(testKey, "late reply", time.Now()) {
		t.Fatal("Deliver should report false with no waiter")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}

func TestPendingReplies_DeliverResolvesWait(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := NewPendingReplies(PendingRepliesOpts{})

	entry := p.install(testKey, "How did yesterday go?")
	if !p.Pending(testKey) {
		t.Fatal("expected pending entry after install")
	}
	if prompt, ok := p.Prompt(testKey); !ok || prompt != "How did yesterday go?" {
		t.Errorf("Prompt = %q, %v", prompt, ok)
	}

	if !p.Deliver(testKey, "Looks good", time.Now()) {
		t.Fatal("Deliver should succeed")
	}
	if p.Pending(testKey) {
		t.Error("entry should be removed on delivery")
	}
	// A second message for the same key has nothing to satisfy.
	if p.Deliver(testKey, "again", time.Now()) {
		t.Error("second Deliver should be dropped")
	}

	text, err := p.wait(context.Background(), testKey, entry, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if text != "Looks good" {
		t.Errorf("text = %q, want %q", text, "Looks good")
	}
}

func TestPendingReplies_OtherParticipantOrThreadIgnored(t *testing.T) {
	p := NewPendingReplies(PendingRepliesOpts{})
	p.install(testKey, "")

	others := []ReplyKey{
		{ChannelID: "C1", ParticipantID: "U2", ThreadID: "T1"},
		{ChannelID: "C1", ParticipantID: "U1", ThreadID: "T2"},
		{ChannelID: "C2", ParticipantID: "U1", ThreadID: "T1"},
	}
	for _, k := range others {
		if p.Deliver(k, "not for you", time.Now()) {
			t.Errorf("Deliver(%+v) should be dropped", k)
		}
	}
	if !p.Pending(testKey) {
		t.Error("original entry should still be pending")
	}
}

func TestPendingReplies_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := NewPendingReplies(PendingRepliesOpts{})

	entry := p.install(testKey, "")
	_, err := p.wait(context.Background(), testKey, entry, 20*time.Millisecond)
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("err = %v, want ErrReplyTimeout", err)
	}
	if p.Pending(testKey) {
		t.Error("entry should be removed on timeout")
	}
	if p.Deliver(testKey, "too late", time.Now()) {
		t.Error("Deliver after timeout should be dropped")
	}
}

func TestPendingReplies_ContextCancel(t *testing.T) {
	p := NewPendingReplies(PendingRepliesOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entry := p.install(testKey, "")
	_, err := p.wait(ctx, testKey, entry, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}

func TestPendingReplies_InstallSupersedes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := NewPendingReplies(PendingRepliesOpts{})

	first := p.install(testKey, "first")
	errCh := make(chan error, 1)
	go func() {
		_, err := p.wait(context.Background(), testKey, first, time.Minute)
		errCh <- err
	}()

	second := p.install(testKey, "second")
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReplySuperseded) {
			t.Errorf("first waiter err = %v, want ErrReplySuperseded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first waiter was not released")
	}

	// The reply goes to the newest waiter only.
	if !p.Deliver(testKey, "answer", time.Now()) {
		t.Fatal("Deliver should reach the second waiter")
	}
	text, err := p.wait(context.Background(), testKey, second, time.Second)
	if err != nil || text != "answer" {
		t.Errorf("second wait = %q, %v", text, err)
	}
}

func TestPendingReplies_StaleMessageIgnored(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 5, 500_000_000, time.UTC)
	p := NewPendingReplies(PendingRepliesOpts{Now: func() time.Time { return created }})
	p.install(testKey, "")

	if p.Deliver(testKey, "old", created.Add(-3*time.Second)) {
		t.Error("message from before the prompt should be dropped")
	}
	if p.Deliver(testKey, "early", created.Add(-300*time.Millisecond)) {
		t.Error("sub-second timestamp before the prompt should be dropped")
	}
	if !p.Deliver(testKey, "fresh", created.Add(time.Millisecond)) {
		t.Error("message after the prompt should be delivered")
	}
}

func TestPendingReplies_WholeSecondTimestamp(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 5, 500_000_000, time.UTC)
	p := NewPendingReplies(PendingRepliesOpts{Now: func() time.Time { return created }})
	p.install(testKey, "")

	if p.Deliver(testKey, "old", time.Date(2026, 3, 2, 9, 0, 4, 0, time.UTC)) {
		t.Error("whole-second timestamp from an earlier second should be dropped")
	}
	if !p.Deliver(testKey, "fresh", time.Date(2026, 3, 2, 9, 0, 5, 0, time.UTC)) {
		t.Error("second-precision timestamp in the prompt's second should be delivered")
	}
}

func TestPendingReplies_ConcurrentKeys(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := NewPendingReplies(PendingRepliesOpts{})

	const n = 50
	var wg sync.WaitGroup
	results := make([]string, n)
	entries := make([]*pendingReply, n)
	keys := make([]ReplyKey, n)
	for i := 0; i < n; i++ {
		keys[i] = ReplyKey{ChannelID: "C1", ParticipantID: fmt.Sprintf("U%d", i), ThreadID: "T1"}
		entries[i] = p.install(keys[i], "")
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := p.wait(context.Background(), keys[i], entries[i], 5*time.Second)
			if err == nil {
				results[i] = text
			}
		}(i)
	}
	for i := 0; i < n; i++ {
		go p.Deliver(keys[i], fmt.Sprintf("reply-%d", i), time.Now())
	}
	wg.Wait()

	for i, got := range results {
		if want := fmt.Sprintf("reply-%d", i); got != want {
			t.Errorf("results[%d] = %q, want %q", i, got, want)
		}
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}
