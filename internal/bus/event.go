package bus

import "time"

// Event kinds published by daemon components.
const (
	KindWAMessage      = "wa.message"
	KindWAHistoryBatch = "wa.history_batch"
	KindWAContact      = "wa.contact"
	KindWAContactBatch = "wa.contact_batch"

	KindSyncConnected    = "sync.connected"
	KindSyncDisconnected = "sync.disconnected"
	KindSyncHistoryBatch = "sync.history_batch"

	KindSessionStatusChanged = "session.status_changed"
	KindSessionLoggedOut     = "session.logged_out"
	KindSessionQR            = "session.qr_generated"
	KindSessionAuthenticated = "session.authenticated"
	KindSessionAuthFailed    = "session.auth_failed"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindBackupStarted   = "backup.started"
	KindBackupCompleted = "backup.completed"
	KindBackupFailed    = "backup.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
