package backup

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const oldTS = 1_600_000_000

func TestRunChatNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{}})

	res, err := env.engine.Run(context.Background(), Request{ChatID: "missing@c.us", ChatType: ChatPrivate})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrChatNotFound)

	var berr *Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "missing@c.us", berr.ChatID)

	p, ok := env.progress.Get("missing@c.us")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Contains(t, p.Logs[len(p.Logs)-1].Message, "chat not found")

	_, statErr := os.Stat(env.snapshots.Path("missing@c.us"))
	assert.True(t, os.IsNotExist(statErr), "no snapshot should be written")
	assert.Empty(t, env.catalog.List())
}

func TestRunSourceErrorIsFatal(t *testing.T) {
	env := newTestEnv(t, &fakeSource{err: errors.New("client offline")})

	_, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client offline")
}

func TestFirstBackupWidensUntilHistoryExhausted(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.history = history("m", 250, oldTS)
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatName: "Alice", ChatType: ChatPrivate})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 250, res.NewMessages)
	assert.Equal(t, 250, res.MessageCount)
	assert.Equal(t, 3, chat.fetchCount(), "100, 200, then 300 requested; the third returns short")

	snap := env.load(t, "a@c.us")
	requireSnapshotInvariants(t, snap)
	assert.Equal(t, "m0", snap.Messages[0].ID)
	assert.Equal(t, "m249", snap.Messages[249].ID)

	require.Len(t, snap.People, 1)
	assert.Equal(t, "15550001111", snap.People[0].Number)
	assert.Equal(t, "Alice", snap.People[0].Name)
	assert.Equal(t, 250, snap.People[0].MessageCount)
	assert.Equal(t, int64(oldTS), snap.People[0].FirstSeen)
	assert.Equal(t, int64(oldTS+249), snap.People[0].LastSeen)

	entry, ok := env.catalog.Get("a@c.us")
	require.True(t, ok)
	require.NotNil(t, entry.LastBackup)
	assert.True(t, entry.LastBackup.Equal(testNow))
	assert.Equal(t, 250, entry.MessageCount)
	assert.Equal(t, 1, entry.PeopleCount)
	require.NotNil(t, entry.LastMessage)
	assert.Equal(t, "body m249", entry.LastMessage.Body)
	assert.Equal(t, "Alice", entry.LastMessage.SenderName)

	p, ok := env.progress.Get("a@c.us")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestRunTwiceConverges(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.history = history("m", 120, oldTS)
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})
	req := Request{ChatID: "a@c.us", ChatName: "Alice", ChatType: ChatPrivate}

	first, err := env.engine.Run(context.Background(), req)
	require.NoError(t, err)
	before := env.load(t, "a@c.us")

	second, err := env.engine.Run(context.Background(), req)
	require.NoError(t, err)
	after := env.load(t, "a@c.us")

	assert.Equal(t, 120, first.NewMessages)
	assert.Equal(t, 0, second.NewMessages)
	assert.Equal(t, before.MessageCount, after.MessageCount)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.People, after.People)
}

func TestFirstBackupCap(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	// An endless history: every request is answered in full.
	chat.fetchFn = func(_ context.Context, _, limit int) ([]RemoteMessage, error) {
		out := make([]RemoteMessage, limit)
		for i := range out {
			out[i] = remoteMsg("n"+strconv.Itoa(i), oldTS-int64(i))
		}
		return out, nil
	}
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Equal(t, 500, res.NewMessages)
	assert.LessOrEqual(t, chat.fetchCount(), 5)
	requireSnapshotInvariants(t, env.load(t, "a@c.us"))
}

func TestFirstBackupCapTruncatesBatch(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	// Every call returns 100 unseen messages regardless of the requested limit.
	chat.fetchFn = func(_ context.Context, call, _ int) ([]RemoteMessage, error) {
		return history("c"+strconv.Itoa(call)+"-", 100, oldTS-int64(call)*1000), nil
	}
	limits := fastLimits()
	limits.FirstBackupCap = 150
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}}, WithLimits(limits))

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Equal(t, 150, res.NewMessages)
	assert.Equal(t, 2, chat.fetchCount())

	snap := env.load(t, "a@c.us")
	requireSnapshotInvariants(t, snap)
	ids := map[string]bool{}
	for _, m := range snap.Messages {
		ids[m.ID] = true
	}
	assert.True(t, ids["c2-0"], "second batch keeps the first messages in source order")
	assert.True(t, ids["c2-49"])
	assert.False(t, ids["c2-50"])
}

func TestIncrementalBatchCap(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	// Every call returns 100 never-seen messages newer than anything stored.
	chat.fetchFn = func(_ context.Context, call, limit int) ([]RemoteMessage, error) {
		return history("c"+strconv.Itoa(call)+"-", limit, oldTS+int64(call)*1000), nil
	}
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})
	env.seed(t, "a@c.us", ChatPrivate, Message{ID: "seed", Timestamp: oldTS})

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Equal(t, 5, chat.fetchCount())
	assert.Equal(t, 500, res.NewMessages)
	assert.Equal(t, 501, res.MessageCount)
	requireSnapshotInvariants(t, env.load(t, "a@c.us"))
}

func TestIncrementalGapClosedInOneBatch(t *testing.T) {
	const T = oldTS + 10_000
	old := history("old", 50, T-49) // timestamps T-49..T
	fresh := history("new", 30, T+1)

	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.history = append(append([]RemoteMessage{}, old...), fresh...)
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})
	env.seed(t, "a@c.us", ChatPrivate, storedMessages(old)...)

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)

	assert.Equal(t, 1, chat.fetchCount())
	assert.Equal(t, 30, res.NewMessages)
	snap := env.load(t, "a@c.us")
	requireSnapshotInvariants(t, snap)
	assert.Equal(t, 80, snap.MessageCount)
	assert.Equal(t, "new29", snap.Messages[79].ID)
}

func TestIncrementalRecentMessageClosesGap(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	// 100 new messages, the newest a minute old: no second batch.
	chat.history = history("m", 100, testNow.Unix()-159)
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})
	env.seed(t, "a@c.us", ChatPrivate, Message{ID: "seed", Timestamp: oldTS})

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Equal(t, 1, chat.fetchCount())
	assert.Equal(t, 100, res.NewMessages)
}

func TestIncrementalUpToDate(t *testing.T) {
	old := history("m", 10, oldTS)
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.history = old
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})
	env.seed(t, "a@c.us", ChatPrivate, storedMessages(old)...)

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewMessages)
	assert.Equal(t, 10, res.MessageCount)
	assert.Equal(t, 1, chat.fetchCount())
}

func TestCorruptSnapshotStartsOver(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.history = history("m", 20, oldTS)
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})

	path := env.snapshots.Path("a@c.us")
	require.NoError(t, os.MkdirAll(env.snapshots.Dir(), 0700))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatName: "Alice", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Equal(t, 20, res.NewMessages)

	snap := env.load(t, "a@c.us")
	requireSnapshotInvariants(t, snap)
	assert.Equal(t, SchemaVersion, snap.Version)
	assert.Equal(t, "Alice", snap.ChatName)
	assert.Equal(t, 20, snap.MessageCount)
}

func TestGroupSenderEnrichmentAndNameUpgrade(t *testing.T) {
	chat := newFakeChat("g@g.us", "Team", ChatGroup)
	a1 := remoteMsg("a1", oldTS)
	a1.From = "111@s.whatsapp.net"
	a2 := remoteMsg("a2", oldTS+10)
	a2.From = "111@s.whatsapp.net"
	mine := remoteMsg("me1", oldTS+20)
	mine.FromMe = true
	photo := remoteMsg("b1", oldTS+30)
	photo.From = "222@s.whatsapp.net"
	photo.Body = ""
	photo.Type = "image"
	photo.HasMedia = true
	chat.history = []RemoteMessage{a1, a2, mine, photo}
	chat.failing["a1"] = true
	chat.contacts["a2"] = Contact{Number: "111", Name: "Ana"}
	chat.contacts["b1"] = Contact{Number: "222"}

	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"g@g.us": chat}})
	req := Request{ChatID: "g@g.us", ChatName: "Team", ChatType: ChatGroup}
	_, err := env.engine.Run(context.Background(), req)
	require.NoError(t, err)

	snap := env.load(t, "g@g.us")
	require.Len(t, snap.Messages, 4)
	byID := map[string]Message{}
	for _, m := range snap.Messages {
		byID[m.ID] = m
	}
	assert.Equal(t, UnknownName, byID["a1"].SenderName)
	assert.Equal(t, "111", byID["a1"].SenderNumber)
	assert.Equal(t, "Ana", byID["a2"].SenderName)
	assert.Empty(t, byID["me1"].SenderName)
	assert.Equal(t, "[image]", byID["b1"].Body)
	require.NotNil(t, byID["b1"].MediaType)
	assert.Equal(t, "image", *byID["b1"].MediaType)
	assert.Equal(t, UnknownName, byID["b1"].SenderName)

	require.Len(t, snap.People, 2)
	assert.Equal(t, Person{Number: "111", Name: "Ana", FirstSeen: oldTS, LastSeen: oldTS + 10, MessageCount: 2}, snap.People[0])
	assert.Equal(t, "222", snap.People[1].Number)

	// A later unresolved message must not downgrade the name.
	a3 := remoteMsg("a3", oldTS+40)
	a3.From = "111@s.whatsapp.net"
	chat.appendHistory(a3)
	chat.failing["a3"] = true
	_, err = env.engine.Run(context.Background(), req)
	require.NoError(t, err)

	snap = env.load(t, "g@g.us")
	assert.Equal(t, "Ana", snap.People[0].Name)
	assert.Equal(t, 3, snap.People[0].MessageCount)
	assert.Equal(t, int64(oldTS+40), snap.People[0].LastSeen)
}

func TestBatchTimeoutRetriesNextBatch(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.history = history("m", 300, oldTS)
	chat.fetchFn = func(ctx context.Context, call, limit int) ([]RemoteMessage, error) {
		if call == 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return chat.newest(limit), nil
	}
	limits := fastLimits()
	limits.BatchTimeout = 50 * time.Millisecond
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}}, WithLimits(limits))

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Equal(t, 300, res.NewMessages)

	p, _ := env.progress.Get("a@c.us")
	var sawTimeout bool
	for _, l := range p.Logs {
		if strings.Contains(l.Message, "timed out") {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout, "timeout should be logged to progress")
	requireSnapshotInvariants(t, env.load(t, "a@c.us"))
}

func TestBatchFetchStopsAtTotalBudget(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.fetchFn = func(ctx context.Context, _, _ int) ([]RemoteMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	limits := fastLimits()
	limits.BatchTimeout = time.Minute
	limits.TotalBudget = 100 * time.Millisecond
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}}, WithLimits(limits), WithClock(time.Now))

	start := time.Now()
	_, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "fetch must not outlive the run budget")
	assert.Equal(t, 1, chat.fetchCount())

	p, _ := env.progress.Get("a@c.us")
	var sawTimeout bool
	for _, l := range p.Logs {
		if strings.Contains(l.Message, "timed out") {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestBatchFailureWithoutAnchorEndsRun(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.fetchFn = func(context.Context, int, int) ([]RemoteMessage, error) {
		return nil, errors.New("rate limited")
	}
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})

	res, err := env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.NoError(t, err, "batch failures never fail the run")
	assert.Equal(t, 1, chat.fetchCount())
	assert.Equal(t, 0, res.MessageCount)

	entry, ok := env.catalog.Get("a@c.us")
	require.True(t, ok)
	assert.NotNil(t, entry.LastBackup)
	assert.Nil(t, entry.LastMessage)
}

func TestConcurrentRunsSameChatKeepBothSets(t *testing.T) {
	seed := remoteMsg("seed", oldTS)
	setA := history("a", 20, oldTS+100)
	setB := history("b", 20, oldTS+200)

	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	chat.history = append([]RemoteMessage{seed}, setA...)

	started := make(chan struct{})
	gate := make(chan struct{})
	chat.fetchFn = func(_ context.Context, call, limit int) ([]RemoteMessage, error) {
		page := chat.newest(limit)
		if call == 1 {
			close(started)
			<-gate
		}
		return page, nil
	}

	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})
	env.seed(t, "a@c.us", ChatPrivate, storedMessages([]RemoteMessage{seed})...)
	req := Request{ChatID: "a@c.us", ChatType: ChatPrivate}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.engine.Run(context.Background(), req)
		errs <- err
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.engine.Run(context.Background(), req)
		errs <- err
	}()
	chat.appendHistory(setB...)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap := env.load(t, "a@c.us")
	requireSnapshotInvariants(t, snap)
	assert.Equal(t, 41, snap.MessageCount)
	ids := map[string]bool{}
	for _, m := range snap.Messages {
		ids[m.ID] = true
	}
	for _, m := range append(setA, setB...) {
		assert.True(t, ids[m.Key.String()], "missing %s", m.Key.String())
	}
}

func TestRunCancelledWhileWaiting(t *testing.T) {
	chat := newFakeChat("a@c.us", "Alice", ChatPrivate)
	gate := make(chan struct{})
	started := make(chan struct{})
	chat.fetchFn = func(_ context.Context, call, _ int) ([]RemoteMessage, error) {
		if call == 1 {
			close(started)
			<-gate
		}
		return nil, nil
	}
	env := newTestEnv(t, &fakeSource{chats: map[string]*fakeChat{"a@c.us": chat}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.engine.Run(context.Background(), Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := env.engine.Run(ctx, Request{ChatID: "a@c.us", ChatType: ChatPrivate})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	<-done
}
