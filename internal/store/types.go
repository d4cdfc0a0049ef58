package store

// Chat represents a mirrored chat.
type Chat struct {
	JID                string
	Name               string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Contact represents a mirrored contact.
type Contact struct {
	JID      string
	Name     string
	PushName string
}

// DisplayName returns the best known name for the contact.
func (c *Contact) DisplayName() string {
	if c == nil {
		return ""
	}
	if c.Name != "" {
		return c.Name
	}
	return c.PushName
}

// Message represents a mirrored message. Timestamp is in milliseconds.
type Message struct {
	ID          int64
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Status      string
	Timestamp   int64
}

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry represents an outgoing message, possibly scheduled for later.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatJID      string
	Body         string
	Status       string
	ErrorMessage string
	ServerMsgID  string
	Source       string
	SendAt       int64 // unix ms; 0 means as soon as possible
	CreatedAt    int64
}
