package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppbak/internal/store"
)

// Outbox entry sources.
const (
	SourceAPI   = "api"
	SourceBulk  = "bulk"
	SourceRelay = "relay"
)

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrNoRecipient = errors.New("no recipient chat")
)

// Enqueue validates and queues a message for chatJID, returning its client
// id. A zero sendAt sends as soon as possible.
func Enqueue(db *store.DB, chatJID, body string, sendAt time.Time, source string) (string, error) {
	chatJID = strings.TrimSpace(chatJID)
	if chatJID == "" {
		return "", ErrNoRecipient
	}
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}
	id := uuid.NewString()
	if err := db.QueueOutbox(id, chatJID, body, sendAt, source); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	return id, nil
}

// EnqueueBulk queues the same body for every chat. The i-th entry is
// scheduled at start + i*spacing; a zero start means now.
func EnqueueBulk(db *store.DB, chatJIDs []string, body string, start time.Time, spacing time.Duration) ([]string, error) {
	if len(chatJIDs) == 0 {
		return nil, ErrNoRecipient
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}
	if start.IsZero() {
		start = time.Now()
	}
	ids := make([]string, 0, len(chatJIDs))
	for i, jid := range chatJIDs {
		id, err := Enqueue(db, jid, body, start.Add(time.Duration(i)*spacing), SourceBulk)
		if err != nil {
			return ids, fmt.Errorf("chat %q: %w", jid, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
