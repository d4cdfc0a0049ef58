// Package api serves the daemon's local HTTP API: backup management,
// session status and pairing, the outgoing message outbox, and a
// server-sent event stream of bus events.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/wppbak/internal/backup"
	"github.com/matheus3301/wppbak/internal/bus"
	"github.com/matheus3301/wppbak/internal/status"
	"github.com/matheus3301/wppbak/internal/store"
	"github.com/matheus3301/wppbak/internal/wa"
	"go.uber.org/zap"
)

// Runner runs one backup. *backup.Engine implements it.
type Runner interface {
	Run(ctx context.Context, req backup.Request) (*backup.Result, error)
}

// ChatFinder resolves chats for registration. *wa.Source implements it.
type ChatFinder interface {
	FindChat(ctx context.Context, chatID, name string) (*backup.ChatInfo, error)
}

// Session is the WhatsApp session surface. *wa.Adapter implements it.
type Session interface {
	IsLoggedIn() bool
	PhoneNumber() string
	CurrentQR() string
	StartQRAuth(ctx context.Context) (<-chan wa.AuthEvent, error)
	Logout(ctx context.Context) error
}

// Deps are the collaborators of the HTTP handlers. Scheduler and Session may
// be nil.
type Deps struct {
	SessionName string
	Runner      Runner
	Chats       ChatFinder
	Snapshots   *backup.SnapshotStore
	Catalog     *backup.Catalog
	Progress    *backup.Tracker
	Scheduler   *backup.Scheduler
	Session     Session
	Machine     *status.Machine
	DB          *store.DB
	Bus         *bus.Bus
	Logger      *zap.Logger
	// RateLimit caps mutating requests per minute per client IP; 0 disables it.
	RateLimit int
}

// Handler implements the HTTP routes.
type Handler struct {
	Deps
	startedAt time.Time

	// background work (backup-now runs, pairing) outlives its request
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// chats with an accepted backup-now that has not returned yet
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Handler{
		Deps:      d,
		startedAt: time.Now(),
		bg:        bg,
		cancel:    cancel,
		pending:   make(map[string]struct{}),
	}
}

// Close cancels background runs started by the handlers and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": h.SessionName,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
