package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/wppbak/internal/bus"
	"github.com/matheus3301/wppbak/internal/metrics"
	"github.com/matheus3301/wppbak/internal/status"
	"github.com/matheus3301/wppbak/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TextSender is the interface for sending text messages via WhatsApp.
type TextSender interface {
	SendText(ctx context.Context, jid string, text string) (serverMsgID string, err error)
}

// Sender drains due outbox entries and sends them via the WhatsApp adapter,
// pacing consecutive sends.
type Sender struct {
	db      *store.DB
	sender  TextSender
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	limiter *rate.Limiter
	poll    time.Duration
	now     func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Sender.
type Option func(*Sender)

// WithPace overrides the minimum spacing between two sends.
func WithPace(every time.Duration) Option {
	return func(s *Sender) { s.limiter = rate.NewLimiter(rate.Every(every), 1) }
}

// WithPollInterval overrides how often the outbox is checked for due entries.
func WithPollInterval(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.poll = d
		}
	}
}

// NewSender creates a new outbox sender. When machine is non-nil, sends wait
// until the session is online.
func NewSender(db *store.DB, sender TextSender, b *bus.Bus, machine *status.Machine, logger *zap.Logger, opts ...Option) *Sender {
	s := &Sender{
		db:      db,
		sender:  sender,
		bus:     b,
		machine: machine,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		poll:    500 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling the outbox for due messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight send to finish.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.machine != nil && !s.machine.Online() {
				continue
			}
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(s.now())
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.String("chat", entry.ChatJID))
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return
	}

	// Optimistic insert so the message is in the mirror (and the next backup)
	// before WhatsApp acknowledges it.
	optimistic := &store.Message{
		ChatJID:     entry.ChatJID,
		MsgID:       entry.ClientMsgID,
		Body:        entry.Body,
		MessageType: "text",
		FromMe:      true,
		Status:      "sending",
		Timestamp:   s.now().UnixMilli(),
	}
	if err := s.db.UpsertMessages([]*store.Message{optimistic}); err != nil {
		log.Warn("optimistic insert failed", zap.Error(err))
	}
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{"chat_jid": entry.ChatJID, "msg_id": entry.ClientMsgID})

	serverMsgID, err := s.sender.SendText(ctx, entry.ChatJID, entry.Body)
	if err != nil {
		log.Error("failed to send message", zap.Error(err))
		metrics.OutboxSends.WithLabelValues("failed").Inc()
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		optimistic.Status = "failed"
		_ = s.db.UpsertMessage(optimistic)
		s.bus.Emit(bus.KindMessageSendFailed, map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"error":         err.Error(),
		})
		return
	}

	metrics.OutboxSends.WithLabelValues("sent").Inc()
	if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}
	optimistic.Status = "sent"
	_ = s.db.UpsertMessage(optimistic)
	if serverMsgID != "" {
		if err := s.db.RenameMessage(entry.ChatJID, entry.ClientMsgID, serverMsgID); err != nil {
			log.Warn("failed to adopt server message id", zap.Error(err))
		}
	}

	log.Info("message sent", zap.String("server_msg_id", serverMsgID))
	s.bus.Emit(bus.KindMessageSendAck, map[string]string{
		"client_msg_id": entry.ClientMsgID,
		"server_msg_id": serverMsgID,
	})
}
