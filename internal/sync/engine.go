package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/wppbak/internal/bus"
	"github.com/matheus3301/wppbak/internal/store"
	"go.uber.org/zap"
)

// Engine keeps the local mirror up to date. It subscribes to "wa.*" events
// on the bus and writes them idempotently, so replays and overlapping
// history syncs are harmless.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine. A nil logger discards output.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound WhatsApp events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe(256, "wa.")

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindWAMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindWAHistoryBatch:
		msgs, ok := evt.Payload.([]*store.Message)
		if !ok {
			return
		}
		if err := e.IngestHistoryBatch(msgs); err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(msgs)))
		} else {
			e.logger.Info("history batch ingested", zap.Int("messages", len(msgs)))
		}
	case bus.KindWAContact:
		c, ok := evt.Payload.(*store.Contact)
		if !ok || c.JID == "" {
			return
		}
		if err := e.db.UpsertContact(c); err != nil {
			e.logger.Warn("failed to upsert contact", zap.Error(err), zap.String("jid", c.JID))
		}
	case bus.KindWAContactBatch:
		batch, ok := evt.Payload.([]*store.Contact)
		if !ok {
			return
		}
		if err := e.IngestContacts(batch); err != nil {
			e.logger.Warn("failed to ingest contacts", zap.Error(err), zap.Int("count", len(batch)))
		}
	}
}

// IngestMessage processes a single message into the store (idempotent).
func (e *Engine) IngestMessage(msg *store.Message) error {
	if err := e.db.UpsertMessages([]*store.Message{msg}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"chat_jid": msg.ChatJID,
		"msg_id":   msg.MsgID,
	})
	return nil
}

// IngestHistoryBatch processes a batch of history messages in a transaction.
func (e *Engine) IngestHistoryBatch(msgs []*store.Message) error {
	if err := e.db.UpsertMessages(msgs); err != nil {
		return fmt.Errorf("ingest history batch: %w", err)
	}

	chats := make(map[string]struct{})
	for _, m := range msgs {
		chats[m.ChatJID] = struct{}{}
	}
	e.bus.Emit(bus.KindSyncHistoryBatch, map[string]int{
		"messages_count": len(msgs),
		"chats_count":    len(chats),
	})
	return nil
}

// IngestContacts merges contacts into the mirror. Entries without a JID are
// skipped; empty names never overwrite known ones.
func (e *Engine) IngestContacts(batch []*store.Contact) error {
	contacts := make([]store.Contact, 0, len(batch))
	for _, c := range batch {
		if c == nil || c.JID == "" {
			continue
		}
		contacts = append(contacts, *c)
	}
	if len(contacts) == 0 {
		return nil
	}
	return e.db.BulkUpsertContacts(contacts)
}
