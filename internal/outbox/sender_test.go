package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppbak/internal/bus"
	"github.com/matheus3301/wppbak/internal/status"
	"github.com/matheus3301/wppbak/internal/store"
	"go.uber.org/zap"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
	delay time.Duration // artificial delay to observe intermediate states
}

type sendCall struct {
	JID  string
	Text string
}

func (m *mockSender) SendText(_ context.Context, jid string, text string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{JID: jid, Text: text})
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return "", m.err
	}
	return "server-" + jid, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, _, err := store.OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSenderProcessesPendingMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	s := NewSender(db, mock, b, nil, zap.NewNop())

	// Subscribe to ack events.
	ch, unsub := b.Subscribe(10, "message.send_ack")
	defer unsub()

	// Queue a message.
	if err := db.UpsertChat(&store.Chat{JID: "chat@s"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c1", "chat@s", "hello", time.Time{}, ""); err != nil {
		t.Fatal(err)
	}

	// Start sender and wait for it to process.
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(time.Second)

	// Verify the mock was called.
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.calls) != 1 {
		t.Fatalf("got %d send calls, want 1", len(mock.calls))
	}
	if mock.calls[0].JID != "chat@s" || mock.calls[0].Text != "hello" {
		t.Errorf("call = %+v, want {chat@s, hello}", mock.calls[0])
	}

	// Verify outbox is drained (no more pending).
	pending, err := db.PendingOutbox(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}

	// Verify ack event published.
	select {
	case evt := <-ch:
		if evt.Kind != "message.send_ack" {
			t.Errorf("event kind = %q, want message.send_ack", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{err: fmt.Errorf("network error")}
	s := NewSender(db, mock, b, nil, zap.NewNop())

	// Subscribe to failure events.
	ch, unsub := b.Subscribe(10, "message.send_failed")
	defer unsub()

	if err := db.UpsertChat(&store.Chat{JID: "chat@s"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c1", "chat@s", "hello", time.Time{}, ""); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(time.Second)

	// Verify failure event published.
	select {
	case evt := <-ch:
		if evt.Kind != "message.send_failed" {
			t.Errorf("event kind = %q, want message.send_failed", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	// Verify outbox entry is no longer pending (marked failed).
	pending, err := db.PendingOutbox(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
}

// TestSenderOptimisticInsert verifies that the outbox inserts a message with
// status "sending" into the messages table before the actual send completes,
// then updates to "sent" after success.
// Regression: sent messages were missing from the mirror because nothing
// wrote to the messages table until whatsmeow echoed the message back.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{delay: 500 * time.Millisecond}
	s := NewSender(db, mock, b, nil, zap.NewNop())

	if err := db.UpsertChat(&store.Chat{JID: "chat@s"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c1", "chat@s", "optimistic", time.Time{}, ""); err != nil {
		t.Fatal(err)
	}

	// Subscribe to upserted events to know when the optimistic insert happened.
	ch, unsub := b.Subscribe(10, "message.upserted")
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	// Wait for the optimistic insert (before the mock's 500ms delay finishes).
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for optimistic message.upserted event")
	}

	// Message should exist with status "sending" while mock is still sleeping.
	msgs, err := db.ListMessages("chat@s", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (optimistic insert)", len(msgs))
	}
	if msgs[0].Status != "sending" {
		t.Errorf("status = %q, want 'sending' (optimistic)", msgs[0].Status)
	}
	if msgs[0].Body != "optimistic" {
		t.Errorf("body = %q, want 'optimistic'", msgs[0].Body)
	}
	if !msgs[0].FromMe {
		t.Error("from_me = false, want true")
	}

	// Wait for send to complete.
	time.Sleep(time.Second)

	// Message should now have status "sent".
	msgs, err = db.ListMessages("chat@s", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != "sent" {
		t.Errorf("final status = %q, want 'sent'", msgs[0].Status)
	}
	if msgs[0].MsgID != "server-chat@s" {
		t.Errorf("msg_id = %q, want the server-assigned id", msgs[0].MsgID)
	}
}

// TestSenderOptimisticInsertOnFailure verifies that a failed send updates
// the optimistic message to "failed" status.
func TestSenderOptimisticInsertOnFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{err: fmt.Errorf("timeout"), delay: 200 * time.Millisecond}
	s := NewSender(db, mock, b, nil, zap.NewNop())

	if err := db.UpsertChat(&store.Chat{JID: "chat@s"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c1", "chat@s", "will-fail", time.Time{}, ""); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(time.Second)

	msgs, err := db.ListMessages("chat@s", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != "failed" {
		t.Errorf("status = %q, want 'failed'", msgs[0].Status)
	}
}

func TestSenderWaitsForSendAt(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	s := NewSender(db, mock, bus.New(), nil, zap.NewNop())

	if err := db.QueueOutbox("later", "chat@s", "tomorrow", time.Now().Add(24*time.Hour), ""); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("now", "chat@s", "today", time.Time{}, ""); err != nil {
		t.Fatal(err)
	}

	s.processPending(context.Background())

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.calls) != 1 || mock.calls[0].Text != "today" {
		t.Fatalf("calls = %+v, want only the due message", mock.calls)
	}
	entries, err := db.ListOutbox(10)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.ClientMsgID == "later" && e.Status != store.OutboxQueued {
			t.Errorf("scheduled entry status = %q, want queued", e.Status)
		}
	}
}

func TestSenderPacesSends(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	s := NewSender(db, mock, bus.New(), nil, zap.NewNop(), WithPace(100*time.Millisecond))

	for _, id := range []string{"a", "b", "c"} {
		if err := db.QueueOutbox(id, "chat@s", id, time.Time{}, ""); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	s.processPending(context.Background())
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("3 sends took %v, want at least two pacing intervals", elapsed)
	}
	if len(mock.calls) != 3 {
		t.Errorf("got %d sends, want 3", len(mock.calls))
	}
}

func TestSenderHoldsWhileOffline(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	machine := status.NewMachine(bus.New())
	s := NewSender(db, mock, bus.New(), machine, zap.NewNop())

	if err := db.QueueOutbox("c1", "chat@s", "hello", time.Time{}, ""); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	time.Sleep(700 * time.Millisecond)
	s.Stop()

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.calls) != 0 {
		t.Errorf("offline sender made %d sends, want 0", len(mock.calls))
	}
}
