package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const messageColumns = `id, chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, status, timestamp`

// UpsertMessage inserts or updates a message (idempotent on chat_jid + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db.DB, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m *Message) error {
	_, err := ex.Exec(`
		INSERT INTO messages (chat_jid, msg_id, sender_jid, sender_name, body, message_type, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, msg_id) DO UPDATE SET
			sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE messages.sender_name END,
			body = CASE WHEN excluded.body != '' THEN excluded.body ELSE messages.body END,
			status = excluded.status`,
		m.ChatJID, m.MsgID, m.SenderJID, m.SenderName, m.Body, m.MessageType, m.FromMe, m.Status, m.Timestamp, time.Now().UnixMilli())
	return err
}

// UpsertMessages writes a batch of messages and bumps each chat's last
// message in a single transaction.
func (db *DB) UpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO chats (jid, is_group, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET
				last_message_preview = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
				last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
				updated_at = excluded.updated_at`,
			m.ChatJID, strings.HasSuffix(m.ChatJID, "@g.us"), m.Timestamp, Truncate(m.Body, 100), now); err != nil {
			return fmt.Errorf("upsert chat %q: %w", m.ChatJID, err)
		}
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.MsgID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp, newest first. beforeTs <= 0 starts from the newest message.
func (db *DB) ListMessages(chatJID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_jid = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatJID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// OldestMessage returns the earliest mirrored message of a chat, or nil.
func (db *DB) OldestMessage(chatJID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages WHERE chat_jid = ?
		ORDER BY timestamp ASC, id ASC LIMIT 1`, chatJID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	if err := r.Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.SenderName, &m.Body, &m.MessageType, &m.FromMe, &m.Status, &m.Timestamp); err != nil {
		return nil, err
	}
	return &m, nil
}

// RenameMessage moves a message to a new id, e.g. from the client id of an
// outgoing message to the id assigned by the server. It is a no-op when the
// old id is unknown or the new id already exists.
func (db *DB) RenameMessage(chatJID, oldID, newID string) error {
	_, err := db.Exec(`
		UPDATE OR IGNORE messages SET msg_id = ?
		WHERE chat_jid = ? AND msg_id = ?`, newID, chatJID, oldID)
	return err
}

// Truncate shortens s to at most maxLen bytes without splitting a UTF-8 rune.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
