package backup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, req Request) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.ChatID)
	if r.fail[req.ChatID] {
		return nil, &Error{ChatID: req.ChatID, Op: "resolve chat", Err: ErrChatNotFound}
	}
	return &Result{Success: true}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestSchedulerNextRun(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		offset time.Duration
		want   time.Time
	}{
		{
			name:   "daytime schedules tonight",
			now:    time.Date(2026, 5, 10, 10, 0, 0, 0, ist),
			offset: 2 * time.Hour,
			want:   time.Date(2026, 5, 11, 1, 0, 0, 0, ist),
		},
		{
			name:   "inside window before draw",
			now:    time.Date(2026, 5, 10, 23, 30, 0, 0, ist),
			offset: time.Hour,
			want:   time.Date(2026, 5, 11, 0, 0, 0, 0, ist),
		},
		{
			name:   "draw already elapsed rolls a day",
			now:    time.Date(2026, 5, 10, 23, 30, 0, 0, ist),
			offset: 0,
			want:   time.Date(2026, 5, 11, 23, 0, 0, 0, ist),
		},
		{
			name:   "after midnight uses window started yesterday",
			now:    time.Date(2026, 5, 11, 2, 0, 0, 0, ist),
			offset: 4 * time.Hour,
			want:   time.Date(2026, 5, 11, 3, 0, 0, 0, ist),
		},
		{
			name:   "draw equal to now is not in the future",
			now:    time.Date(2026, 5, 11, 2, 0, 0, 0, ist),
			offset: 3 * time.Hour,
			want:   time.Date(2026, 5, 12, 2, 0, 0, 0, ist),
		},
		{
			name:   "host zone is irrelevant",
			now:    time.Date(2026, 5, 10, 4, 30, 0, 0, time.UTC), // 10:00 IST
			offset: 0,
			want:   time.Date(2026, 5, 10, 23, 0, 0, 0, ist),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(&fakeRunner{}, nil, nil)
			s.randN = func(n int64) int64 {
				require.Equal(t, int64(6*time.Hour), n)
				return int64(tt.offset)
			}
			got := s.NextRun(tt.now)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got.In(ist), tt.want)
			assert.True(t, got.After(tt.now))
		})
	}
}

func TestSchedulerNextRunStaysInWindow(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, nil, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		at := s.NextRun(now).In(ist)
		h := at.Hour()
		assert.True(t, h >= 23 || h < 5, "hour %d outside window", h)
		assert.True(t, at.After(now))
		assert.Less(t, at.Sub(now), 48*time.Hour)
	}
}

func newSchedulerCatalog(t *testing.T, ids ...string) *Catalog {
	t.Helper()
	c := NewCatalog(filepath.Join(t.TempDir(), "catalog.json"))
	for _, id := range ids {
		_, err := c.Add(id, id, ChatPrivate)
		require.NoError(t, err)
	}
	return c
}

func TestSchedulerFireOncePerDay(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"b": true}}
	s := NewScheduler(runner, newSchedulerCatalog(t, "a", "b", "c"), nil)
	now := time.Date(2026, 5, 11, 1, 0, 0, 0, ist)
	s.now = func() time.Time { return now }

	assert.True(t, s.Fire(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, runner.calls, "a failure does not stop the loop")
	assert.Equal(t, "2026-05-11", s.Status().LastRunDate)

	now = now.Add(2 * time.Hour)
	assert.False(t, s.Fire(context.Background()), "same calendar day in the window zone")
	assert.Len(t, runner.calls, 3)

	now = now.Add(22 * time.Hour)
	assert.True(t, s.Fire(context.Background()))
	assert.Len(t, runner.calls, 6)
}

func TestSchedulerRearmSkipsRestOfWindow(t *testing.T) {
	tests := []struct {
		name    string
		firedAt time.Time
		offset  time.Duration
		want    time.Time
	}{
		{
			name:    "fire before midnight, draw after midnight",
			firedAt: time.Date(2026, 5, 10, 23, 30, 0, 0, ist),
			offset:  2 * time.Hour,
			want:    time.Date(2026, 5, 12, 1, 0, 0, 0, ist),
		},
		{
			name:    "fire after midnight",
			firedAt: time.Date(2026, 5, 11, 2, 0, 0, 0, ist),
			offset:  4 * time.Hour,
			want:    time.Date(2026, 5, 12, 3, 0, 0, 0, ist),
		},
		{
			name:    "fire at window start, early draw",
			firedAt: time.Date(2026, 5, 10, 23, 0, 0, 0, ist),
			offset:  0,
			want:    time.Date(2026, 5, 11, 23, 0, 0, 0, ist),
		},
		{
			name:    "late timer outside the window",
			firedAt: time.Date(2026, 5, 11, 5, 10, 0, 0, ist),
			offset:  time.Hour,
			want:    time.Date(2026, 5, 12, 0, 0, 0, 0, ist),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(&fakeRunner{}, nil, nil)
			s.now = func() time.Time { return tt.firedAt }
			s.randN = func(int64) int64 { return int64(tt.offset) }
			got := s.rearmAfter(tt.firedAt)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got.In(ist), tt.want)
		})
	}
}

func TestSchedulerRunsOncePerWindow(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, newSchedulerCatalog(t, "a"), nil)
	now := time.Date(2026, 5, 10, 23, 30, 0, 0, ist)
	s.now = func() time.Time { return now }
	s.randN = func(int64) int64 { return int64(2 * time.Hour) }

	windowClose := time.Date(2026, 5, 11, 5, 0, 0, 0, ist)
	runs := 0
	for fire := now; fire.Before(time.Date(2026, 5, 14, 0, 0, 0, 0, ist)); fire = s.rearmAfter(fire) {
		now = fire
		s.Fire(context.Background())
		if !fire.After(windowClose) {
			runs = runner.callCount()
		}
	}
	assert.Equal(t, 1, runs, "catalog backed up once inside the first window")
	assert.Equal(t, 3, runner.callCount(), "one run per night across three nights")
}

func TestSchedulerLoopFiresAndRearms(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, newSchedulerCatalog(t, "a"), nil)
	// Just before the window opens; a zero draw lands on 23:00.
	start := time.Date(2026, 5, 10, 23, 0, 0, 0, ist).Add(-30 * time.Millisecond)
	s.now = func() time.Time { return start }
	s.randN = func(int64) int64 { return 0 }

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// After a fire the scheduler re-arms for the next night.
	require.Eventually(t, func() bool {
		next := s.Status().NextRun
		return next != nil && next.Equal(time.Date(2026, 5, 11, 23, 0, 0, 0, ist))
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount())

	s.Stop()
	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.NextRun)
	assert.Equal(t, "2026-05-10", st.LastRunDate)
}

func TestSchedulerStatusArmed(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, newSchedulerCatalog(t), nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Status().State == StateArmed }, time.Second, 5*time.Millisecond)
	st := s.Status()
	require.NotNil(t, st.NextRun)
	assert.True(t, st.NextRun.After(time.Now()))
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, nil, nil)
	s.Stop()
	assert.Equal(t, StateIdle, s.Status().State)
}
