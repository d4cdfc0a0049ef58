package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/matheus3301/wppbak/internal/bus"
	"github.com/matheus3301/wppbak/internal/metrics"
	"go.uber.org/zap"
)

var errBatchTimeout = errors.New("batch timed out")

// Limits bound a single run.
type Limits struct {
	TotalBudget    time.Duration
	MaxBatches     int
	FirstBackupCap int
	BatchSize      int
	BatchTimeout   time.Duration
	GapWindow      time.Duration
	RetryMargin    time.Duration
	BatchDelay     time.Duration
	RetryDelay     time.Duration
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		TotalBudget:    5 * time.Minute,
		MaxBatches:     5,
		FirstBackupCap: 500,
		BatchSize:      100,
		BatchTimeout:   60 * time.Second,
		GapWindow:      300 * time.Second,
		RetryMargin:    10 * time.Second,
		BatchDelay:     100 * time.Millisecond,
		RetryDelay:     500 * time.Millisecond,
	}
}

// RunEvent is the bus payload of backup.* events.
type RunEvent struct {
	ChatID       string `json:"chatId"`
	ChatName     string `json:"chatName"`
	NewMessages  int    `json:"newMessages,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Engine reconciles remote chat history into per-chat snapshots.
// Runs for different chats proceed in parallel; runs for the same chat are
// serialized so each one merges on top of the previous.
type Engine struct {
	source    Source
	snapshots *SnapshotStore
	catalog   *Catalog
	progress  *Tracker
	bus       *bus.Bus
	logger    *zap.Logger
	limits    Limits
	now       func() time.Time
	locks     *chatLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits overrides the run limits.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithClock overrides the wall clock used for budgets and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.snapshots.now = now
		e.progress.now = now
	}
}

// WithBus publishes backup.* events on b.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// NewEngine creates a backup engine.
func NewEngine(source Source, snapshots *SnapshotStore, catalog *Catalog, progress *Tracker, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		source:    source,
		snapshots: snapshots,
		catalog:   catalog,
		progress:  progress,
		logger:    logger,
		limits:    DefaultLimits(),
		now:       time.Now,
		locks:     newChatLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run backs up one chat. It waits for any run already in progress for the
// same chat. Batch failures only shorten the run; an error is returned when
// the chat cannot be resolved or the snapshot cannot be persisted.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	unlock, err := e.locks.lock(ctx, req.ChatID)
	if err != nil {
		return nil, &Error{ChatID: req.ChatID, Op: "wait for previous run", Err: err}
	}
	defer unlock()

	start := e.now()
	e.progress.Start(req.ChatID)
	e.bus.Emit(bus.KindBackupStarted, RunEvent{ChatID: req.ChatID, ChatName: req.ChatName})

	res, err := e.run(ctx, req, start)
	if err != nil {
		e.logger.Warn("backup run failed", zap.String("chat_id", req.ChatID), zap.Error(err))
		e.progress.Logf(req.ChatID, "Backup failed: %v", err)
		e.progress.Finish(req.ChatID, StatusFailed)
		metrics.RecordBackupRun(false, e.now().Sub(start), 0)
		e.bus.Emit(bus.KindBackupFailed, RunEvent{ChatID: req.ChatID, ChatName: req.ChatName, Error: err.Error()})
		return nil, err
	}

	e.progress.Finish(req.ChatID, StatusCompleted)
	metrics.RecordBackupRun(true, res.Duration, res.NewMessages)
	e.bus.Emit(bus.KindBackupCompleted, RunEvent{
		ChatID:       req.ChatID,
		ChatName:     req.ChatName,
		NewMessages:  res.NewMessages,
		MessageCount: res.MessageCount,
	})
	return res, nil
}

// runState is owned by a single run.
type runState struct {
	req         Request
	chat        Chat
	base        *Snapshot
	firstBackup bool
	lastTS      int64
	existing    map[string]struct{}
	people      map[string]*Person
	newCount    int
	lastID      string
}

func (e *Engine) run(ctx context.Context, req Request, start time.Time) (*Result, error) {
	chatID := req.ChatID
	fail := func(op string, err error) (*Result, error) {
		return nil, &Error{ChatID: chatID, Op: op, Err: err}
	}

	e.progress.Logf(chatID, "Starting backup of %s", displayName(req))
	chat, err := e.source.GetChat(ctx, chatID)
	if err != nil {
		return fail("resolve chat", err)
	}
	if chat == nil {
		return fail("resolve chat", ErrChatNotFound)
	}
	info := chat.Info()
	if req.ChatName == "" {
		req.ChatName = info.Name
	}
	if req.ChatType == "" {
		req.ChatType = info.Type
	}

	st, err := e.bootstrap(req, chat)
	if err != nil {
		return fail("create snapshot", err)
	}
	if err := e.batchLoop(ctx, st, start.Add(e.limits.TotalBudget)); err != nil {
		return fail("save snapshot", err)
	}

	final, err := e.snapshots.Load(chatID)
	if err == nil && final == nil {
		err = fmt.Errorf("snapshot file missing")
	}
	if err != nil {
		return fail("read final snapshot", err)
	}
	if err := e.catalog.Upsert(e.catalogEntry(req, final)); err != nil {
		return fail("update catalog", err)
	}

	res := &Result{
		Success:      true,
		MessageCount: len(final.Messages),
		PeopleCount:  len(final.People),
		NewMessages:  st.newCount,
		Duration:     e.now().Sub(start),
	}
	e.progress.Logf(chatID, "Backup complete: %d new messages, %d total, %d people",
		res.NewMessages, res.MessageCount, res.PeopleCount)
	return res, nil
}

func (e *Engine) bootstrap(req Request, chat Chat) (*runState, error) {
	snap, err := e.snapshots.Load(req.ChatID)
	if err != nil {
		e.progress.Logf(req.ChatID, "Existing backup unreadable, starting over: %v", err)
		snap = nil
	}

	st := &runState{
		req:         req,
		chat:        chat,
		firstBackup: snap == nil || len(snap.Messages) == 0,
		existing:    make(map[string]struct{}),
		people:      make(map[string]*Person),
	}
	if snap == nil {
		snap = NewSnapshot(req.ChatID, req.ChatName, req.ChatType, e.now())
		if err := e.snapshots.Save(snap); err != nil {
			return nil, err
		}
	}
	st.base = snap
	for _, m := range snap.Messages {
		st.existing[m.ID] = struct{}{}
	}
	for _, p := range snap.People {
		st.people[p.Number] = &p
	}

	if st.firstBackup {
		e.progress.Logf(req.ChatID, "First backup, capturing up to %d messages", e.limits.FirstBackupCap)
	} else {
		st.lastTS = snap.LastTimestamp()
		e.progress.Logf(req.ChatID, "Incremental backup: %d existing messages, last at %s",
			len(snap.Messages), time.Unix(st.lastTS, 0).UTC().Format(time.RFC3339))
	}
	return st, nil
}

// batchLoop fetches batches until a stop condition fires. Only persistence
// errors are returned.
func (e *Engine) batchLoop(ctx context.Context, st *runState, deadline time.Time) error {
	l := e.limits
	chatID := st.req.ChatID
	logf := func(format string, args ...any) { e.progress.Logf(chatID, format, args...) }

	for batch := 1; batch <= l.MaxBatches; batch++ {
		if ctx.Err() != nil {
			logf("Backup interrupted: %v", ctx.Err())
			return nil
		}
		if !e.now().Before(deadline) {
			logf("Time budget of %s exhausted", l.TotalBudget)
			return nil
		}

		limit := l.BatchSize
		if st.firstBackup {
			limit = min(l.BatchSize*batch, l.FirstBackupCap)
		}
		logf("Batch %d: fetching up to %d messages", batch, limit)

		msgs, err := e.fetch(ctx, st.chat, limit, deadline)
		if err != nil {
			if errors.Is(err, errBatchTimeout) {
				metrics.RecordBatch("timeout")
			} else {
				metrics.RecordBatch("error")
			}
			logf("Batch %d failed: %v", batch, err)
			if deadline.Sub(e.now()) > l.RetryMargin && st.lastID != "" {
				logf("Retrying with the next batch")
				if !sleep(ctx, l.RetryDelay) {
					return nil
				}
				continue
			}
			return nil
		}
		if len(msgs) == 0 {
			metrics.RecordBatch("empty")
			if st.firstBackup {
				logf("No messages found")
			} else {
				logf("No new messages")
			}
			return nil
		}
		metrics.RecordBatch("ok")
		st.lastID = msgs[len(msgs)-1].Key.String()

		candidates := msgs
		stop := false
		if !st.firstBackup {
			candidates = newerThan(msgs, st.lastTS)
			if len(candidates) == 0 {
				logf("Backup is up to date")
				return nil
			}
			if len(candidates) < len(msgs) {
				logf("Reached the previous backup point")
				stop = true
			}
		}

		fresh := make([]RemoteMessage, 0, len(candidates))
		for _, m := range candidates {
			if _, ok := st.existing[m.Key.String()]; !ok {
				fresh = append(fresh, m)
			}
		}

		if !st.firstBackup && batch == 1 && len(fresh) > 0 {
			if e.now().Unix()-newestTimestamp(fresh) <= int64(l.GapWindow/time.Second) {
				logf("Newest message is recent, treating the gap as closed")
				stop = true
			}
		}
		if st.firstBackup && st.newCount+len(fresh) > l.FirstBackupCap {
			fresh = fresh[:l.FirstBackupCap-st.newCount]
		}

		records := make([]Message, 0, len(fresh))
		for _, rm := range fresh {
			rec := e.record(ctx, st, rm)
			if _, dup := st.existing[rec.ID]; dup {
				continue
			}
			st.existing[rec.ID] = struct{}{}
			records = append(records, rec)
		}

		if len(records) > 0 {
			if _, err := e.snapshots.Merge(st.base, records, sortedPeople(st.people)); err != nil {
				return err
			}
			st.newCount += len(records)
			logf("Batch %d: saved %d new messages (%d this run)", batch, len(records), st.newCount)
		}

		switch {
		case stop:
			return nil
		case st.firstBackup && st.newCount >= l.FirstBackupCap:
			logf("Reached the first backup limit of %d messages", l.FirstBackupCap)
			return nil
		case st.firstBackup && len(msgs) < limit:
			logf("Reached the start of the chat history")
			return nil
		case !st.firstBackup && len(records) == 0:
			logf("No new messages")
			return nil
		}

		if batch < l.MaxBatches && !sleep(ctx, l.BatchDelay) {
			return nil
		}
	}
	logf("Reached the limit of %d batches", l.MaxBatches)
	return nil
}

// fetch races one batch against the batch timeout, cut short by the run
// deadline. A fetch that does not return in time is abandoned.
func (e *Engine) fetch(ctx context.Context, chat Chat, limit int, deadline time.Time) ([]RemoteMessage, error) {
	type result struct {
		msgs []RemoteMessage
		err  error
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		msgs, err := chat.FetchMessages(ctx, limit)
		ch <- result{msgs, err}
	}()

	wait := min(e.limits.BatchTimeout, deadline.Sub(e.now()))
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.msgs, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", errBatchTimeout, wait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// record converts a remote message and attributes it to a person. Senders
// in groups and channels are resolved through the source; in private chats
// the counterpart is the chat itself.
func (e *Engine) record(ctx context.Context, st *runState, rm RemoteMessage) Message {
	m := Message{
		ID:        rm.Key.String(),
		Body:      rm.Body,
		Timestamp: rm.Timestamp,
		From:      rm.From,
		FromMe:    rm.FromMe,
		Type:      rm.Type,
		HasMedia:  rm.HasMedia,
	}
	if rm.HasMedia {
		mediaType := rm.Type
		m.MediaType = &mediaType
		if m.Body == "" {
			m.Body = "[" + rm.Type + "]"
		}
	}
	if rm.FromMe {
		return m
	}

	var number, name string
	if st.req.ChatType.HasSenders() {
		c, err := st.chat.Contact(ctx, rm)
		if err != nil {
			e.progress.Logf(st.req.ChatID, "Could not resolve sender %s: %v", rm.From, err)
		}
		number, name = c.Number, c.Name
		if number == "" {
			number = NumberFrom(rm.From)
		}
		if name == "" {
			name = UnknownName
		}
		m.SenderName = name
		m.SenderNumber = number
	} else {
		number = NumberFrom(rm.From)
		name = st.req.ChatName
		if name == "" {
			name = UnknownName
		}
	}

	p, ok := st.people[number]
	if !ok {
		p = &Person{Number: number}
		st.people[number] = p
	}
	p.observe(name, rm.Timestamp)
	return m
}

func (e *Engine) catalogEntry(req Request, final *Snapshot) CatalogEntry {
	entry, ok := e.catalog.Get(req.ChatID)
	if !ok {
		entry = CatalogEntry{ChatID: req.ChatID, ChatName: req.ChatName, ChatType: req.ChatType}
	}
	now := e.now()
	entry.LastBackup = &now
	entry.MessageCount = len(final.Messages)
	entry.PeopleCount = len(final.People)
	entry.LastMessage = nil
	if last := final.Last(); last != nil {
		sender := last.SenderName
		switch {
		case sender != "":
		case last.FromMe:
			sender = "You"
		default:
			sender = final.ChatName
		}
		entry.LastMessage = &MessagePreview{Body: last.Body, Timestamp: last.Timestamp, SenderName: sender}
	}
	return entry
}

func newerThan(msgs []RemoteMessage, ts int64) []RemoteMessage {
	out := make([]RemoteMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Timestamp > ts {
			out = append(out, m)
		}
	}
	return out
}

func newestTimestamp(msgs []RemoteMessage) int64 {
	var newest int64
	for _, m := range msgs {
		newest = max(newest, m.Timestamp)
	}
	return newest
}

func sortedPeople(people map[string]*Person) []Person {
	out := make([]Person, 0, len(people))
	for _, p := range people {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func displayName(req Request) string {
	if req.ChatName != "" {
		return req.ChatName
	}
	return req.ChatID
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
