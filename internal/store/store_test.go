package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, _, err := OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + outbox schedule)", result.Version)
	}
}

// TestMigrateSchemaHasRequiredColumns verifies the migrations create every
// column the ingestion engine, source and outbox depend on.
func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert chat", "INSERT INTO chats (jid, name, is_group, unread_count, last_message_at, last_message_preview) VALUES (?, ?, ?, ?, ?, ?)", []any{"c@s", "Test", false, 0, 1000, "hi"}},
		{"insert message", "INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, status, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"c@s", "m1", "s@s", "Sender", "hello", "text", false, "received", 1000}},
		{"insert contact", "INSERT INTO contacts (jid, name, push_name) VALUES (?, ?, ?)", []any{"j@s", "Name", "Push"}},
		{"queue scheduled outbox", "INSERT INTO outbox (client_msg_id, chat_jid, body, status, send_at, source) VALUES (?, ?, ?, ?, ?, ?)", []any{"cid", "c@s", "text", "queued", 5000, "bulk"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestChatUpsertKeepsKnownName(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{JID: "123@s.whatsapp.net", Name: "Alice", LastMessageAt: 2000, LastMessagePreview: "newer"}); err != nil {
		t.Fatal(err)
	}
	// An ingest without a name and with an older message must not clobber anything.
	if err := db.UpsertChat(&Chat{JID: "123@s.whatsapp.net", LastMessageAt: 1000, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("123@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Alice" {
		t.Errorf("name = %q, want Alice", c.Name)
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "newer" {
		t.Errorf("last message = %d %q, want 2000 newer", c.LastMessageAt, c.LastMessagePreview)
	}
}

func TestGetChatFallsBackToContactName(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{JID: "a@s"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertContact(&Contact{JID: "a@s", PushName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat("a@s")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Ana" {
		t.Errorf("got %v, want name Ana", c)
	}

	c, err = db.GetChat("missing@s")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing chat")
	}
}

func TestFindChatByName(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{JID: "old@g.us", Name: "Family", IsGroup: true, LastMessageAt: 100}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{JID: "new@g.us", Name: "family", IsGroup: true, LastMessageAt: 200}); err != nil {
		t.Fatal(err)
	}

	c, err := db.FindChatByName("FAMILY")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.JID != "new@g.us" {
		t.Errorf("got %v, want most recent match new@g.us", c)
	}

	c, err = db.FindChatByName("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("got %v, want nil", c)
	}
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	db := testDB(t)

	msgs := []*Message{
		{ChatJID: "chat@s", MsgID: "m1", Body: "hello", MessageType: "text", Timestamp: 1000, Status: "received"},
		{ChatJID: "chat@s", MsgID: "m2", Body: "world", MessageType: "text", Timestamp: 2000, Status: "received"},
	}
	for i := 0; i < 2; i++ {
		if err := db.UpsertMessages(msgs); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListMessages("chat@s", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].MsgID != "m2" {
		t.Errorf("first = %q, want newest m2", got[0].MsgID)
	}

	chat, err := db.GetChat("chat@s")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessagePreview != "world" {
		t.Errorf("preview = %q, want world", chat.LastMessagePreview)
	}
}

func TestUpsertMessageKeepsBodyOnEmptyUpdate(t *testing.T) {
	db := testDB(t)

	msg := &Message{ChatJID: "chat@s", MsgID: "m1", Body: "hello", MessageType: "text", Timestamp: 1000, Status: "received"}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = ""
	msg.Status = "read"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, _ := db.ListMessages("chat@s", 0, 10)
	if len(got) != 1 || got[0].Body != "hello" || got[0].Status != "read" {
		t.Errorf("got %+v, want body hello status read", got)
	}
}

func TestListMessagesKeyset(t *testing.T) {
	db := testDB(t)
	for i, ts := range []int64{1000, 2000, 3000, 4000} {
		if err := db.UpsertMessage(&Message{ChatJID: "c@s", MsgID: string(rune('a' + i)), Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("c@s", 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Timestamp != 2000 || page[1].Timestamp != 1000 {
		t.Errorf("page = %+v, want timestamps 2000,1000", page)
	}

	oldest, err := db.OldestMessage("c@s")
	if err != nil {
		t.Fatal(err)
	}
	if oldest == nil || oldest.MsgID != "a" {
		t.Errorf("oldest = %+v, want a", oldest)
	}
	none, err := db.OldestMessage("empty@s")
	if err != nil || none != nil {
		t.Errorf("OldestMessage(empty) = %v, %v; want nil, nil", none, err)
	}
}

func TestOutboxRespectsSendAt(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	if err := db.QueueOutbox("now", "chat@s", "immediate", time.Time{}, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("later", "chat@s", "scheduled", now.Add(time.Hour), "bulk"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "now" {
		t.Fatalf("pending = %+v, want only 'now'", pending)
	}
	if pending[0].Source != "api" {
		t.Errorf("source = %q, want api default", pending[0].Source)
	}

	pending, err = db.PendingOutbox(now.Add(2 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending after schedule passes, want 2", len(pending))
	}

	if err := db.MarkOutboxSending("now"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("now", "server1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("later", "boom"); err != nil {
		t.Fatal(err)
	}

	all, err := db.ListOutbox(10)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]OutboxEntry{}
	for _, e := range all {
		byID[e.ClientMsgID] = e
	}
	if byID["now"].Status != OutboxSent || byID["now"].ServerMsgID != "server1" {
		t.Errorf("now = %+v", byID["now"])
	}
	if byID["later"].Status != OutboxFailed || byID["later"].ErrorMessage != "boom" {
		t.Errorf("later = %+v", byID["later"])
	}
}

func TestContactsAndCounts(t *testing.T) {
	db := testDB(t)

	if err := db.BulkUpsertContacts([]Contact{{JID: "j@s", Name: "John"}, {JID: "k@s", PushName: "Kay"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertContact(&Contact{JID: "j@s", PushName: "Johnny"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetContact("j@s")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "John" || c.PushName != "Johnny" || c.DisplayName() != "John" {
		t.Errorf("got %+v", c)
	}

	if err := db.UpsertMessages([]*Message{{ChatJID: "a@s", MsgID: "1", Timestamp: 1}}); err != nil {
		t.Fatal(err)
	}
	chats, msgs, err := db.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if chats != 1 || msgs != 1 {
		t.Errorf("counts = %d/%d, want 1/1", chats, msgs)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("héllo", 2); got != "h" {
		t.Errorf("Truncate mid-rune = %q, want h", got)
	}
}
