package backup

import (
	"fmt"
	"time"
)

// SchemaVersion is written into every snapshot and catalog document.
const SchemaVersion = 1

// UnknownName is the placeholder display name for senders whose contact
// could not be resolved.
const UnknownName = "Unknown"

// ChatType classifies a chat.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// ParseChatType validates s as a ChatType.
func ParseChatType(s string) (ChatType, error) {
	switch t := ChatType(s); t {
	case ChatPrivate, ChatGroup, ChatChannel:
		return t, nil
	}
	return "", fmt.Errorf("unknown chat type %q", s)
}

// HasSenders reports whether messages in this chat type come from several people.
func (t ChatType) HasSenders() bool {
	return t == ChatGroup || t == ChatChannel
}

// Message is one captured message. Timestamp is in seconds.
type Message struct {
	ID           string  `json:"id"`
	Body         string  `json:"body"`
	Timestamp    int64   `json:"timestamp"`
	From         string  `json:"from"`
	FromMe       bool    `json:"fromMe"`
	Type         string  `json:"type"`
	HasMedia     bool    `json:"hasMedia"`
	MediaType    *string `json:"mediaType"`
	SenderName   string  `json:"senderName,omitempty"`
	SenderNumber string  `json:"senderNumber,omitempty"`
}

// Person aggregates the messages attributed to one sender number.
type Person struct {
	Number       string `json:"number"`
	Name         string `json:"name"`
	FirstSeen    int64  `json:"firstSeen"`
	LastSeen     int64  `json:"lastSeen"`
	MessageCount int    `json:"messageCount"`
}

// observe attributes one message at ts to p. A known name is only replaced
// when it is a placeholder and the new one is not.
func (p *Person) observe(name string, ts int64) {
	if p.Name == "" || (p.Name == UnknownName && !isPlaceholderName(name)) {
		p.Name = name
	}
	if p.MessageCount == 0 || ts < p.FirstSeen {
		p.FirstSeen = ts
	}
	if ts > p.LastSeen {
		p.LastSeen = ts
	}
	p.MessageCount++
}

func isPlaceholderName(name string) bool {
	return name == "" || name == UnknownName
}

// Snapshot is the persisted backup of one chat. Messages are unique by ID and
// sorted ascending by timestamp; People is sorted by number.
type Snapshot struct {
	Version      int       `json:"version"`
	ChatID       string    `json:"chatId"`
	ChatName     string    `json:"chatName"`
	ChatType     ChatType  `json:"chatType"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUpdated  time.Time `json:"lastUpdated"`
	MessageCount int       `json:"messageCount"`
	Messages     []Message `json:"messages"`
	People       []Person  `json:"people"`
}

// NewSnapshot returns an empty snapshot for a chat.
func NewSnapshot(chatID, chatName string, chatType ChatType, now time.Time) *Snapshot {
	return &Snapshot{
		Version:     SchemaVersion,
		ChatID:      chatID,
		ChatName:    chatName,
		ChatType:    chatType,
		CreatedAt:   now,
		LastUpdated: now,
		Messages:    []Message{},
		People:      []Person{},
	}
}

// LastTimestamp returns the newest message timestamp, or 0 when empty.
func (s *Snapshot) LastTimestamp() int64 {
	var newest int64
	for _, m := range s.Messages {
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}
	return newest
}

// Last returns the chronologically last message, or nil.
func (s *Snapshot) Last() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// MessagePreview is the denormalized newest message kept in the catalog.
type MessagePreview struct {
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"`
	SenderName string `json:"senderName"`
}

// CatalogEntry is a chat registered for backup. Backup metadata stays nil
// until the first run finishes.
type CatalogEntry struct {
	ChatID       string          `json:"chatId"`
	ChatName     string          `json:"chatName"`
	ChatType     ChatType        `json:"chatType"`
	LastBackup   *time.Time      `json:"lastBackup"`
	MessageCount int             `json:"messageCount"`
	PeopleCount  int             `json:"peopleCount"`
	LastMessage  *MessagePreview `json:"lastMessage"`
}

// Request identifies the chat a run should back up.
type Request struct {
	ChatID   string
	ChatName string
	ChatType ChatType
}

// Result summarizes a finished run.
type Result struct {
	Success      bool          `json:"success"`
	MessageCount int           `json:"messageCount"`
	PeopleCount  int           `json:"peopleCount"`
	NewMessages  int           `json:"newMessages"`
	Duration     time.Duration `json:"duration"`
}
