package wa

import (
	"context"
	"time"

	"github.com/matheus3301/wppbak/internal/bus"
	"github.com/matheus3301/wppbak/internal/status"
	"github.com/matheus3301/wppbak/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Directory resolves identities against the device store. *Adapter
// implements it.
type Directory interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
	GetContacts(ctx context.Context) []store.Contact
}

// EventHandler processes whatsmeow events, drives the state machine,
// and publishes parsed domain events on the bus. It does NOT call the
// sync engine directly; the engine subscribes to the bus independently.
type EventHandler struct {
	bus     *bus.Bus
	machine *status.Machine
	dir     Directory
	logger  *zap.Logger
}

// NewEventHandler creates a new event handler. dir may be nil, in which case
// LID JIDs are kept as-is and device contacts are not imported.
func NewEventHandler(b *bus.Bus, machine *status.Machine, dir Directory, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:     b,
		machine: machine,
		dir:     dir,
		logger:  logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.bus.Emit(bus.KindSyncConnected, nil)
		if h.dir != nil {
			go h.importDeviceContacts()
		}
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(status.Reconnecting)
		h.bus.Emit(bus.KindSyncDisconnected, nil)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.PushName:
		h.bus.Emit(bus.KindWAContact, &store.Contact{
			JID:      h.resolveJID(evt.JID.String()),
			PushName: evt.NewPushName,
		})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.bus.Emit(bus.KindSessionLoggedOut, evt.Reason.String())
	}
}

// resolveJID normalizes a JID string and maps LIDs to phone numbers when a
// directory is available.
func (h *EventHandler) resolveJID(s string) string {
	normalized := NormalizeJID(s)
	if h.dir == nil || normalized == "" {
		return normalized
	}
	jid, err := types.ParseJID(normalized)
	if err != nil {
		return normalized
	}
	return h.dir.ResolveLID(context.Background(), jid).String()
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.machine.Current() == status.Syncing {
		_ = h.machine.Transition(status.Ready)
	}

	parsed := ParseLiveMessage(evt)
	parsed.ChatJID = h.resolveJID(parsed.ChatJID)
	parsed.SenderJID = h.resolveJID(parsed.SenderJID)
	h.bus.Emit(bus.KindWAMessage, parsed.ToStoreMessage())
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var msgs []*store.Message
	var contacts []*store.Contact
	for _, conv := range data.GetConversations() {
		chatJID := h.resolveJID(conv.GetID())
		if name := conv.GetName(); name != "" {
			contacts = append(contacts, &store.Contact{JID: chatJID, Name: name})
		}
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			info := wmsg.GetMessage()
			key := wmsg.GetKey()
			sender := key.GetParticipant()
			if sender == "" && !key.GetFromMe() {
				sender = chatJID
			}
			parsed := &ParsedMessage{
				ChatJID:     chatJID,
				MsgID:       key.GetID(),
				SenderJID:   h.resolveJID(sender),
				SenderName:  wmsg.GetPushName(),
				Body:        extractTextBody(info),
				MessageType: detectMessageType(info),
				FromMe:      key.GetFromMe(),
				Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
			}
			msgs = append(msgs, parsed.ToStoreMessage())
			if parsed.SenderName != "" && parsed.SenderJID != "" {
				contacts = append(contacts, &store.Contact{JID: parsed.SenderJID, PushName: parsed.SenderName})
			}
		}
	}

	if len(msgs) > 0 {
		h.bus.Emit(bus.KindWAHistoryBatch, msgs)
	}
	if len(contacts) > 0 {
		h.bus.Emit(bus.KindWAContactBatch, contacts)
	}
}

func (h *EventHandler) importDeviceContacts() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	found := h.dir.GetContacts(ctx)
	if len(found) == 0 {
		return
	}
	contacts := make([]*store.Contact, 0, len(found))
	for i := range found {
		found[i].JID = h.resolveJID(found[i].JID)
		contacts = append(contacts, &found[i])
	}
	h.logger.Info("importing device contacts", zap.Int("count", len(contacts)))
	h.bus.Emit(bus.KindWAContactBatch, contacts)
}
