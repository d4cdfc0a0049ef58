package backup

import (
	"context"
	"strings"
)

// Source resolves chats on the remote side. GetChat returns (nil, nil) when
// the chat does not exist.
type Source interface {
	GetChat(ctx context.Context, chatID string) (Chat, error)
}

// Chat is a handle to one remote chat.
type Chat interface {
	Info() ChatInfo
	// FetchMessages returns up to limit of the most recent messages in no
	// particular order. There is no cursor: larger limits reach further back.
	FetchMessages(ctx context.Context, limit int) ([]RemoteMessage, error)
	// Contact resolves the sender of a message.
	Contact(ctx context.Context, msg RemoteMessage) (Contact, error)
}

// ChatInfo describes a remote chat.
type ChatInfo struct {
	ID   string
	Name string
	Type ChatType
}

// Contact is a resolved sender identity.
type Contact struct {
	Number string
	Name   string
}

// MessageKey is the remote identifier of a message. Some sources only know a
// plain ID, others a serialized "<fromMe>_<chat>_<id>" form.
type MessageKey struct {
	ID         string
	Serialized string
}

// String returns the normalized identifier used by snapshots.
func (k MessageKey) String() string {
	if k.Serialized != "" {
		return k.Serialized
	}
	return k.ID
}

// SerializeKey builds the serialized form of a message key.
func SerializeKey(fromMe bool, chatID, id string) string {
	prefix := "false_"
	if fromMe {
		prefix = "true_"
	}
	return prefix + chatID + "_" + id
}

// RemoteMessage is a message as returned by a Chat. Timestamp is in seconds.
type RemoteMessage struct {
	Key       MessageKey
	Body      string
	Timestamp int64
	From      string
	FromMe    bool
	Type      string
	HasMedia  bool
}

// NumberFrom returns the user part of an address such as
// "15551234567@s.whatsapp.net" or "15551234567:3@s.whatsapp.net".
func NumberFrom(addr string) string {
	user, _, _ := strings.Cut(addr, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
