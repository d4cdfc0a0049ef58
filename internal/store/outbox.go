package store

import "time"

// QueueOutbox adds a message to the send outbox. A zero sendAt sends as soon
// as possible; source records who queued it (api, bulk, relay).
func (db *DB) QueueOutbox(clientMsgID, chatJID, body string, sendAt time.Time, source string) error {
	now := time.Now().UnixMilli()
	var at int64
	if !sendAt.IsZero() {
		at = sendAt.UnixMilli()
	}
	if source == "" {
		source = "api"
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_jid, body, status, send_at, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		clientMsgID, chatJID, body, OutboxQueued, at, source, now, now)
	return err
}

func (db *DB) setOutboxStatus(clientMsgID, status, serverMsgID, errMsg string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, server_msg_id = ?, error_message = ?, updated_at = ?
		WHERE client_msg_id = ?`,
		status, serverMsgID, errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, OutboxSending, "", "")
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	return db.setOutboxStatus(clientMsgID, OutboxSent, serverMsgID, "")
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	return db.setOutboxStatus(clientMsgID, OutboxFailed, "", errMsg)
}

// PendingOutbox returns queued entries that are due at now, oldest schedule first.
func (db *DB) PendingOutbox(now time.Time) ([]OutboxEntry, error) {
	return db.queryOutbox(`
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = ? AND send_at <= ?
		ORDER BY send_at ASC, created_at ASC`, OutboxQueued, now.UnixMilli())
}

// ListOutbox returns the most recent outbox entries regardless of status.
func (db *DB) ListOutbox(limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryOutbox(`SELECT `+outboxColumns+` FROM outbox ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

const outboxColumns = `id, client_msg_id, chat_jid, body, status, error_message, server_msg_id, source, send_at, created_at`

func (db *DB) queryOutbox(query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatJID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.Source, &e.SendAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
