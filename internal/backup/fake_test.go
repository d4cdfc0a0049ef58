package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1_700_000_000, 0)

type fakeChat struct {
	mu       sync.Mutex
	info     ChatInfo
	history  []RemoteMessage // ascending by timestamp
	fetches  int
	fetchFn  func(ctx context.Context, call, limit int) ([]RemoteMessage, error)
	contacts map[string]Contact
	failing  map[string]bool
}

func (c *fakeChat) Info() ChatInfo { return c.info }

func (c *fakeChat) FetchMessages(ctx context.Context, limit int) ([]RemoteMessage, error) {
	c.mu.Lock()
	c.fetches++
	call, fn := c.fetches, c.fetchFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, limit)
	}
	return c.newest(limit), nil
}

// newest returns the most recent limit messages, newest first.
func (c *fakeChat) newest(limit int) []RemoteMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := min(limit, len(c.history))
	out := make([]RemoteMessage, 0, n)
	for i := len(c.history) - 1; i >= len(c.history)-n; i-- {
		out = append(out, c.history[i])
	}
	return out
}

func (c *fakeChat) appendHistory(msgs ...RemoteMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msgs...)
}

func (c *fakeChat) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func (c *fakeChat) Contact(_ context.Context, msg RemoteMessage) (Contact, error) {
	id := msg.Key.String()
	if c.failing[id] {
		return Contact{}, errors.New("contact lookup failed")
	}
	if ct, ok := c.contacts[id]; ok {
		return ct, nil
	}
	return Contact{Number: NumberFrom(msg.From)}, nil
}

type fakeSource struct {
	chats map[string]*fakeChat
	err   error
}

func (s *fakeSource) GetChat(_ context.Context, chatID string) (Chat, error) {
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func newFakeChat(id, name string, typ ChatType) *fakeChat {
	return &fakeChat{
		info:     ChatInfo{ID: id, Name: name, Type: typ},
		contacts: map[string]Contact{},
		failing:  map[string]bool{},
	}
}

func remoteMsg(id string, ts int64) RemoteMessage {
	return RemoteMessage{
		Key:       MessageKey{ID: id},
		Body:      "body " + id,
		Timestamp: ts,
		From:      "15550001111@s.whatsapp.net",
		Type:      "chat",
	}
}

// history builds n messages with ids <prefix><i> and timestamps start+i.
func history(prefix string, n int, start int64) []RemoteMessage {
	out := make([]RemoteMessage, n)
	for i := range out {
		out[i] = remoteMsg(fmt.Sprintf("%s%d", prefix, i), start+int64(i))
	}
	return out
}

type testEnv struct {
	engine    *Engine
	snapshots *SnapshotStore
	catalog   *Catalog
	progress  *Tracker
}

func fastLimits() Limits {
	l := DefaultLimits()
	l.BatchDelay = 0
	l.RetryDelay = 0
	l.BatchTimeout = time.Second
	return l
}

func newTestEnv(t *testing.T, src Source, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		snapshots: NewSnapshotStore(dir),
		catalog:   NewCatalog(dir + "/catalog.json"),
		progress:  NewTracker(nil),
	}
	opts = append([]Option{WithLimits(fastLimits()), WithClock(func() time.Time { return testNow })}, opts...)
	env.engine = NewEngine(src, env.snapshots, env.catalog, env.progress, nil, opts...)
	return env
}

func (env *testEnv) seed(t *testing.T, chatID string, chatType ChatType, msgs ...Message) {
	t.Helper()
	snap := NewSnapshot(chatID, "seeded", chatType, testNow)
	snap.Messages = msgs
	require.NoError(t, env.snapshots.Save(snap))
}

func (env *testEnv) load(t *testing.T, chatID string) *Snapshot {
	t.Helper()
	snap, err := env.snapshots.Load(chatID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func requireSnapshotInvariants(t *testing.T, snap *Snapshot) {
	t.Helper()
	require.Equal(t, len(snap.Messages), snap.MessageCount)
	seen := make(map[string]bool, len(snap.Messages))
	for i, m := range snap.Messages {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			require.LessOrEqual(t, snap.Messages[i-1].Timestamp, m.Timestamp, "messages out of order at %d", i)
		}
	}
}

func storedMessages(msgs []RemoteMessage) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{ID: m.Key.String(), Body: m.Body, Timestamp: m.Timestamp, From: m.From, Type: m.Type}
	}
	return out
}
