package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wppbak/internal/backup"
	"github.com/matheus3301/wppbak/internal/metrics"
	"github.com/matheus3301/wppbak/internal/status"
	"github.com/matheus3301/wppbak/internal/store"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const historyBreakerName = "wa-history"

// Phone is the live side of the session used by Source. *Adapter implements it.
type Phone interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
	ContactName(ctx context.Context, jid types.JID) string
	RequestHistory(ctx context.Context, oldest types.MessageInfo, count int) error
}

// Source serves chats to the backup engine from the local mirror. When the
// mirror runs short it asks the phone for older history, which lands in the
// mirror later through the sync engine.
type Source struct {
	db      *store.DB
	phone   Phone
	machine *status.Machine
	logger  *zap.Logger

	breaker  *gobreaker.CircuitBreaker[struct{}]
	history  *rate.Limiter
	lookups  *rate.Limiter
	inflight singleflight.Group
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithHistoryRate overrides how often history requests may be sent.
func WithHistoryRate(r rate.Limit, burst int) SourceOption {
	return func(s *Source) { s.history = rate.NewLimiter(r, burst) }
}

// WithLookupRate overrides the contact lookup rate.
func WithLookupRate(r rate.Limit, burst int) SourceOption {
	return func(s *Source) { s.lookups = rate.NewLimiter(r, burst) }
}

// NewSource creates a Source. phone may be nil, in which case only mirrored
// history is served. machine may be nil, meaning the phone is always online.
func NewSource(db *store.DB, phone Phone, machine *status.Machine, logger *zap.Logger, opts ...SourceOption) *Source {
	s := &Source{
		db:      db,
		phone:   phone,
		machine: machine,
		logger:  logger,
		history: rate.NewLimiter(rate.Every(2*time.Second), 1),
		lookups: rate.NewLimiter(50, 10),
	}
	for _, opt := range opts {
		opt(s)
	}

	metrics.CircuitBreakerState.WithLabelValues(historyBreakerName).Set(0)
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        historyBreakerName,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	return s
}

func breakerStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// ChatTypeOf classifies a chat by its JID server.
func ChatTypeOf(chatJID string) backup.ChatType {
	jid, err := types.ParseJID(chatJID)
	if err != nil {
		return backup.ChatPrivate
	}
	switch jid.Server {
	case types.GroupServer:
		return backup.ChatGroup
	case types.NewsletterServer:
		return backup.ChatChannel
	}
	return backup.ChatPrivate
}

// GetChat implements backup.Source.
func (s *Source) GetChat(ctx context.Context, chatID string) (backup.Chat, error) {
	info, err := s.FindChat(ctx, chatID, "")
	if err != nil || info == nil {
		return nil, err
	}
	return &mirrorChat{src: s, info: *info, pushNames: make(map[string]string)}, nil
}

// FindChat looks a chat up by id, or by display name when id is empty.
// It returns nil when nothing matches.
func (s *Source) FindChat(_ context.Context, chatID, name string) (*backup.ChatInfo, error) {
	var (
		c   *store.Chat
		err error
	)
	switch {
	case chatID != "":
		c, err = s.db.GetChat(NormalizeJID(chatID))
	case name != "":
		c, err = s.db.FindChatByName(name)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find chat: %w", err)
	}
	if c == nil {
		return nil, nil
	}
	return &backup.ChatInfo{ID: c.JID, Name: c.Name, Type: ChatTypeOf(c.JID)}, nil
}

func (s *Source) online() bool {
	if s.phone == nil {
		return false
	}
	return s.machine == nil || s.machine.Online()
}

// requestHistory asks the phone for count messages older than oldest.
// Calls for the same anchor are collapsed.
func (s *Source) requestHistory(ctx context.Context, oldest *store.Message, count int) {
	if !s.online() {
		return
	}
	key := oldest.ChatJID + "/" + oldest.MsgID
	_, _, _ = s.inflight.Do(key, func() (any, error) {
		if !s.history.Allow() {
			metrics.SourceHistoryRequests.WithLabelValues("rejected").Inc()
			return nil, nil
		}
		info, err := messageInfo(oldest)
		if err != nil {
			return nil, err
		}
		_, err = s.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, s.phone.RequestHistory(ctx, info, count)
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.SourceHistoryRequests.WithLabelValues("rejected").Inc()
		case err != nil:
			metrics.SourceHistoryRequests.WithLabelValues("error").Inc()
			s.logger.Warn("history request failed", zap.String("chat", oldest.ChatJID), zap.Error(err))
		default:
			metrics.SourceHistoryRequests.WithLabelValues("sent").Inc()
			s.logger.Info("requested older history",
				zap.String("chat", oldest.ChatJID),
				zap.String("anchor", oldest.MsgID),
				zap.Int("count", count),
			)
		}
		return nil, err
	})
}

func messageInfo(m *store.Message) (types.MessageInfo, error) {
	chat, err := types.ParseJID(m.ChatJID)
	if err != nil {
		return types.MessageInfo{}, fmt.Errorf("parse chat JID: %w", err)
	}
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chat, IsFromMe: m.FromMe},
		ID:            m.MsgID,
		Timestamp:     time.UnixMilli(m.Timestamp),
	}
	if m.SenderJID != "" {
		if sender, err := types.ParseJID(m.SenderJID); err == nil {
			info.Sender = sender
		}
	}
	return info, nil
}

type mirrorChat struct {
	src  *Source
	info backup.ChatInfo

	// push names seen on fetched rows, by sender JID. An abandoned fetch
	// may still be writing while the next one runs.
	mu        sync.Mutex
	pushNames map[string]string
}

func (c *mirrorChat) Info() backup.ChatInfo { return c.info }

func (c *mirrorChat) rememberPushName(jid, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushNames[jid] = name
}

func (c *mirrorChat) pushName(jid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushNames[jid]
}

// FetchMessages returns the newest limit mirrored messages.
func (c *mirrorChat) FetchMessages(ctx context.Context, limit int) ([]backup.RemoteMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := c.src.db.ListMessages(c.info.ID, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	out := make([]backup.RemoteMessage, 0, len(rows))
	for _, m := range rows {
		from := m.SenderJID
		if from == "" {
			from = m.ChatJID
		}
		if m.SenderName != "" && m.SenderJID != "" {
			c.rememberPushName(m.SenderJID, m.SenderName)
		}
		out = append(out, backup.RemoteMessage{
			Key: backup.MessageKey{
				ID:         m.MsgID,
				Serialized: backup.SerializeKey(m.FromMe, m.ChatJID, m.MsgID),
			},
			Body:      m.Body,
			Timestamp: m.Timestamp / 1000,
			From:      from,
			FromMe:    m.FromMe,
			Type:      m.MessageType,
			HasMedia:  IsMediaType(m.MessageType),
		})
	}

	if n := len(rows); n > 0 && n < limit {
		c.src.requestHistory(ctx, &rows[n-1], limit-n)
	}
	return out, nil
}

// Contact resolves the sender of msg: LID to phone number first, then the
// device contact store, the mirror contacts, and finally the push name.
func (c *mirrorChat) Contact(ctx context.Context, msg backup.RemoteMessage) (backup.Contact, error) {
	if err := c.src.lookups.Wait(ctx); err != nil {
		return backup.Contact{}, err
	}
	jid, err := types.ParseJID(msg.From)
	if err != nil {
		return backup.Contact{Number: backup.NumberFrom(msg.From)}, nil
	}
	jid = jid.ToNonAD()
	if c.src.phone != nil {
		jid = c.src.phone.ResolveLID(ctx, jid)
	}

	contact := backup.Contact{Number: jid.User}
	if c.src.phone != nil {
		contact.Name = c.src.phone.ContactName(ctx, jid)
	}
	if contact.Name == "" {
		ct, err := c.src.db.GetContact(jid.String())
		if err != nil {
			return contact, fmt.Errorf("get contact: %w", err)
		}
		contact.Name = ct.DisplayName()
	}
	if contact.Name == "" {
		contact.Name = c.pushName(msg.From)
	}
	return contact, nil
}
