package backup

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// The nightly window is [23:00, 05:00) at UTC+05:30, independent of the
// host time zone.
var scheduleZone = time.FixedZone("IST", 5*3600+30*60)

const (
	windowStartHour = 23
	windowEndHour   = 5
	windowLength    = 6 * time.Hour
)

// SchedulerState is idle between runs and armed while a timer is pending.
type SchedulerState string

const (
	StateIdle  SchedulerState = "idle"
	StateArmed SchedulerState = "armed"
)

// Runner runs one backup. *Engine implements it.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// ScheduleStatus is a point-in-time view of the scheduler.
type ScheduleStatus struct {
	State       SchedulerState `json:"state"`
	NextRun     *time.Time     `json:"nextRun"`
	LastRunDate string         `json:"lastRunDate,omitempty"`
}

// Scheduler backs up every catalog entry once per night at a random instant
// inside the window.
type Scheduler struct {
	runner  Runner
	catalog *Catalog
	logger  *zap.Logger
	now     func() time.Time
	randN   func(n int64) int64

	mu          sync.Mutex
	state       SchedulerState
	nextRun     time.Time
	lastRunDate string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates an idle scheduler.
func NewScheduler(runner Runner, catalog *Catalog, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:  runner,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
		randN:   rand.Int64N,
		state:   StateIdle,
	}
}

// NextRun returns a uniformly random instant inside the next window that is
// strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(scheduleZone)
	day := local
	if local.Hour() < windowEndHour {
		day = local.AddDate(0, 0, -1)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), windowStartHour, 0, 0, 0, scheduleZone)
	at := start.Add(time.Duration(s.randN(int64(windowLength))))
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}
	return at
}

// windowEnd returns the close of the window containing t, or t itself when
// t falls outside every window.
func windowEnd(t time.Time) time.Time {
	local := t.In(scheduleZone)
	switch {
	case local.Hour() >= windowStartHour:
		next := local.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), windowEndHour, 0, 0, 0, scheduleZone)
	case local.Hour() < windowEndHour:
		return time.Date(local.Year(), local.Month(), local.Day(), windowEndHour, 0, 0, 0, scheduleZone)
	}
	return t
}

// rearmAfter picks the next run after a fire at firedAt. The rest of the
// fired window is skipped so the next draw lands in the following night.
func (s *Scheduler) rearmAfter(firedAt time.Time) time.Time {
	from := firedAt
	if now := s.now(); now.After(from) {
		from = now
	}
	return s.NextRun(windowEnd(from))
}

// Fire runs every catalog entry sequentially unless a run already happened
// today. It reports whether any work was attempted.
func (s *Scheduler) Fire(ctx context.Context) bool {
	today := s.now().In(scheduleZone).Format(time.DateOnly)

	s.mu.Lock()
	if s.lastRunDate == today {
		s.mu.Unlock()
		s.logger.Info("nightly backup already ran today", zap.String("date", today))
		return false
	}
	s.lastRunDate = today
	s.mu.Unlock()

	entries := s.catalog.List()
	s.logger.Info("nightly backup starting", zap.Int("chats", len(entries)))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return true
		}
		res, err := s.runner.Run(ctx, Request{ChatID: entry.ChatID, ChatName: entry.ChatName, ChatType: entry.ChatType})
		if err != nil {
			s.logger.Error("nightly backup failed", zap.String("chat_id", entry.ChatID), zap.Error(err))
			continue
		}
		s.logger.Info("nightly backup done",
			zap.String("chat_id", entry.ChatID),
			zap.Int("new_messages", res.NewMessages),
			zap.Int("message_count", res.MessageCount),
		)
	}
	return true
}

// Start arms the scheduler and keeps re-arming it after every fire until
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop cancels the pending timer and waits for an in-flight fire to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateIdle, time.Time{})

	next := s.arm(s.NextRun(s.now()))
	timer := time.NewTimer(next.Sub(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Fire(ctx)
			s.setState(StateIdle, time.Time{})
			next = s.arm(s.rearmAfter(next))
			timer.Reset(next.Sub(s.now()))
		}
	}
}

func (s *Scheduler) arm(next time.Time) time.Time {
	s.setState(StateArmed, next)
	s.logger.Info("nightly backup scheduled", zap.Time("at", next))
	return next
}

func (s *Scheduler) setState(state SchedulerState, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.nextRun = next
}

// Status returns the current state, next run and last run date.
func (s *Scheduler) Status() ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ScheduleStatus{State: s.state, LastRunDate: s.lastRunDate}
	if !s.nextRun.IsZero() {
		next := s.nextRun
		st.NextRun = &next
	}
	return st
}
