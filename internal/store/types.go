package store

import "time"

// Scope tells whether a conversation is one-to-one or multi-party.
type Scope string

const (
	ScopeDM    Scope = "dm"
	ScopeGroup Scope = "group"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeDM || s == ScopeGroup
}

// Kind is the content kind of a message.
type Kind string

const (
	KindText   Kind = "text"
	KindMedia  Kind = "media"
	KindVoice  Kind = "voice"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// OutboxState is the delivery state of an outbox item.
type OutboxState string

const (
	StateQueued    OutboxState = "queued"
	StateUploading OutboxState = "uploading"
	StateSending   OutboxState = "sending"
	StateFailed    OutboxState = "failed"
)

// ReplySnapshot is a frozen copy of the message being replied to.
type ReplySnapshot struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`
}

// Attachment is an uploaded binary referenced by a message.
type Attachment struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	MIME        string        `json:"mime"`
	Size        int64         `json:"size"`
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	URL         string        `json:"url"`
	StoragePath string        `json:"storage_path"`
}

// LocalAttachment is an attachment that still lives on the device.
type LocalAttachment struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	MIME     string        `json:"mime"`
	Size     int64         `json:"size"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	LocalURI string        `json:"local_uri"`
}

// Uploaded returns the remote attachment produced by uploading l.
func (l LocalAttachment) Uploaded(url, storagePath string) Attachment {
	return Attachment{
		ID:          l.ID,
		Kind:        l.Kind,
		MIME:        l.MIME,
		Size:        l.Size,
		Width:       l.Width,
		Height:      l.Height,
		Duration:    l.Duration,
		URL:         url,
		StoragePath: storagePath,
	}
}

// Message is a chat message. Confirmed messages are immutable; Status is
// only set on messages projected from the outbox.
type Message struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	Scope            Scope          `json:"scope"`
	SenderID         string         `json:"sender_id"`
	Kind             Kind           `json:"kind"`
	Text             string         `json:"text,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ServerReceivedAt time.Time      `json:"server_received_at"`
	ReplyTo          *ReplySnapshot `json:"reply_to,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key"`
	Status           OutboxState    `json:"status,omitempty"`
}

// Pending reports whether m was projected from the outbox.
func (m *Message) Pending() bool {
	return m.Status != ""
}

// OutboxItem is a locally authored message that the server has not confirmed yet.
type OutboxItem struct {
	Seq            int64
	MessageID      string
	ConversationID string
	Scope          Scope
	ClientID       string
	SenderID       string
	Kind           Kind
	Text           string
	ReplyTo        *ReplySnapshot
	Pending        []LocalAttachment
	Attachments    []Attachment
	State          OutboxState
	AttemptCount   int
	NextRetryAt    time.Time
	LastError      string
	Permanent      bool
	Interrupted    bool
	WrittenAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey returns the stable key used for every write attempt of the item.
func (i *OutboxItem) IdempotencyKey() string {
	return IdempotencyKey(i.ClientID, i.MessageID)
}

// Message returns the server-bound message for the item. It must only be
// written once Pending is empty.
func (i *OutboxItem) Message() Message {
	return Message{
		ID:             i.MessageID,
		ConversationID: i.ConversationID,
		Scope:          i.Scope,
		SenderID:       i.SenderID,
		Kind:           i.Kind,
		Text:           i.Text,
		CreatedAt:      i.CreatedAt,
		ReplyTo:        i.ReplyTo,
		Attachments:    i.Attachments,
		IdempotencyKey: i.IdempotencyKey(),
	}
}

// IdempotencyKey derives the write key from the install's client id and a message id.
func IdempotencyKey(clientID, messageID string) string {
	return clientID + ":" + messageID
}

// ReadWatermark is the read position of one user in one conversation.
type ReadWatermark struct {
	ConversationID string
	UserID         string
	LastReadAt     time.Time
	PublishedAt    time.Time
}
