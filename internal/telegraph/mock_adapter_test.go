package telegraph

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Compile-time interface compliance checks.
var (
	_ Adapter       = (*MockAdapter)(nil)
	_ BotUserIDer   = (*MockAdapter)(nil)
	_ ThreadStarter = (*MockAdapter)(nil)
)

func TestMockAdapter_Lifecycle(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if _, err := m.Listen(ctx); err == nil {
		t.Fatal("Listen before Connect should fail")
	}
	if err := m.Send(ctx, OutboundMessage{Text: "hi"}); err == nil {
		t.Fatal("Send before Connect should fail")
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch, err := m.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel should be closed after Close")
	}
	if err := m.Connect(ctx); err == nil {
		t.Error("Connect after Close should fail")
	}
	if err := m.Close(); err != nil {
		t.Errorf("double Close should succeed: %v", err)
	}
}

func TestMockAdapter_SimulateInboundSetsTimestamp(t *testing.T) {
	m := NewMockAdapter()
	m.Connect(context.Background())
	ch, _ := m.Listen(context.Background())

	m.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "U1", Text: "hello", IsMention: true})

	select {
	case msg := <-ch:
		if msg.Text != "hello" || !msg.IsMention {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Timestamp.IsZero() {
			t.Error("Timestamp should be set automatically")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestMockAdapter_SendRecords(t *testing.T) {
	m := NewMockAdapter()
	m.Connect(context.Background())

	if _, ok := m.LastSent(); ok {
		t.Fatal("LastSent should return false when nothing was sent")
	}
	m.Send(context.Background(), OutboundMessage{ChannelID: "C1", Text: "one"})
	m.Send(context.Background(), OutboundMessage{ChannelID: "C1", Text: "two"})

	if m.SentCount() != 2 {
		t.Errorf("SentCount = %d, want 2", m.SentCount())
	}
	last, _ := m.LastSent()
	if last.Text != "two" {
		t.Errorf("LastSent.Text = %q, want two", last.Text)
	}
	if got := <-m.Sent(); got.Text != "one" {
		t.Errorf("first Sent() = %q, want one", got.Text)
	}

	all := m.AllSent()
	all[0].Text = "mutated"
	if m.AllSent()[0].Text != "one" {
		t.Error("AllSent should return a copy")
	}
}

func TestMockAdapter_SendError(t *testing.T) {
	m := NewMockAdapter()
	m.Connect(context.Background())
	m.SetSendError(errors.New("rate limited"))

	if err := m.Send(context.Background(), OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected send error")
	}
	if m.SentCount() != 0 {
		t.Errorf("SentCount = %d, want 0", m.SentCount())
	}
	m.SetSendError(nil)
	if err := m.Send(context.Background(), OutboundMessage{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestMockAdapter_StartThread(t *testing.T) {
	m := NewMockAdapter()
	if _, err := m.StartThread(context.Background(), "C1", "hi"); err == nil {
		t.Fatal("StartThread before Connect should fail")
	}
	m.Connect(context.Background())

	id1, err := m.StartThread(context.Background(), "C1", "Good morning")
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	id2, _ := m.StartThread(context.Background(), "C1", "Good morning again")
	if id1 == id2 {
		t.Errorf("thread ids should differ, both %q", id1)
	}
	last, _ := m.LastSent()
	if last.ThreadID != id2 || last.Text != "Good morning again" {
		t.Errorf("LastSent = %+v", last)
	}
}

func TestMockAdapter_ThreadHistoryLimit(t *testing.T) {
	m := NewMockAdapter()
	m.SetThreadHistory("C1", "T1", []ThreadMessage{{Text: "a"}, {Text: "b"}, {Text: "c"}})

	msgs, err := m.ThreadHistory(context.Background(), "C1", "T1", 2)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "b" || msgs[1].Text != "c" {
		t.Errorf("msgs = %+v, want last two", msgs)
	}
	if msgs, _ := m.ThreadHistory(context.Background(), "C1", "missing", 5); len(msgs) != 0 {
		t.Errorf("missing thread returned %d messages", len(msgs))
	}
}

func TestMockAdapter_BotUserID(t *testing.T) {
	m := NewMockAdapter()
	m.SetBotUserID("UBOT")
	if m.BotUserID() != "UBOT" {
		t.Errorf("BotUserID = %q, want UBOT", m.BotUserID())
	}
}
