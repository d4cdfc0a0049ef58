package backup

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxLogLines bounds the log kept per chat; the oldest lines go first.
const MaxLogLines = 100

// Status of a run as seen by progress pollers.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// LogLine is one timestamped progress message.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Progress is the live state of the latest run for one chat.
type Progress struct {
	ChatID    string    `json:"chatId"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"startTime"`
	Logs      []LogLine `json:"logs"`
}

// Tracker keeps in-memory progress per chat for the life of the process.
type Tracker struct {
	mu     sync.Mutex
	runs   map[string]*Progress
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker that mirrors every line to logger.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		runs:   make(map[string]*Progress),
		logger: logger,
		now:    time.Now,
	}
}

// Start resets the chat's record to running.
func (t *Tracker) Start(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[chatID] = &Progress{
		ChatID:    chatID,
		Status:    StatusRunning,
		StartTime: t.now(),
		Logs:      []LogLine{},
	}
}

// Logf appends a formatted line to the chat's log.
func (t *Tracker) Logf(chatID, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.logger.Info(msg, zap.String("chat_id", chatID))

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.runs[chatID]
	if !ok {
		p = &Progress{ChatID: chatID, Status: StatusRunning, StartTime: t.now()}
		t.runs[chatID] = p
	}
	p.Logs = append(p.Logs, LogLine{Timestamp: t.now(), Message: msg})
	if n := len(p.Logs); n > MaxLogLines {
		p.Logs = slices.Clone(p.Logs[n-MaxLogLines:])
	}
}

// Finish sets the final status of the chat's run.
func (t *Tracker) Finish(chatID string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.runs[chatID]; ok {
		p.Status = status
	}
}

// Get returns a copy of the chat's progress.
func (t *Tracker) Get(chatID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.runs[chatID]
	if !ok {
		return Progress{}, false
	}
	cp := *p
	cp.Logs = slices.Clone(p.Logs)
	return cp, true
}

// Running reports whether a run for chatID is in progress.
func (t *Tracker) Running(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.runs[chatID]
	return ok && p.Status == StatusRunning
}
