package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
	"github.com/matheus3301/chatsync/internal/upload"
)

type Empty struct{}

type SendRequest struct {
	MessageID      string                  `json:"message_id,omitempty"`
	ConversationID string                  `json:"conversation_id"`
	Scope          store.Scope             `json:"scope"`
	Kind           store.Kind              `json:"kind,omitempty"`
	Text           string                  `json:"text,omitempty"`
	ReplyTo        *store.ReplySnapshot    `json:"reply_to,omitempty"`
	Attachments    []store.LocalAttachment `json:"attachments,omitempty"`
}

type SendResponse struct {
	Item OutboxItem `json:"item"`
}

type ListPendingRequest struct {
	// ConversationID limits the listing; empty lists every conversation.
	ConversationID string `json:"conversation_id,omitempty"`
}

// OutboxItem is the API view of a pending message.
type OutboxItem struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Kind           store.Kind        `json:"kind"`
	Text           string            `json:"text,omitempty"`
	State          store.OutboxState `json:"state"`
	AttemptCount   int               `json:"attempt_count"`
	NextRetryAt    time.Time         `json:"next_retry_at"`
	LastError      string            `json:"last_error,omitempty"`
	Permanent      bool              `json:"permanent,omitempty"`
	Interrupted    bool              `json:"interrupted,omitempty"`
	WrittenAt      time.Time         `json:"written_at,omitzero"`
	CreatedAt      time.Time         `json:"created_at"`
	PendingUploads int               `json:"pending_uploads,omitempty"`
	Uploads        []upload.Progress `json:"uploads,omitempty"`
}

type ListPendingResponse struct {
	Items []OutboxItem `json:"items"`
}

type MessageRequest struct {
	MessageID string `json:"message_id"`
}

type DrainResponse struct {
	Started bool `json:"started"`
	Running bool `json:"running"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// View is the merged message list of an open conversation.
type View struct {
	ConversationID string              `json:"conversation_id"`
	State          subscription.State  `json:"state"`
	Messages       []store.Message     `json:"messages"`
	Cursor         subscription.Cursor `json:"cursor"`
	Unread         int                 `json:"unread"`
	Error          string              `json:"error,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type CloseResponse struct {
	Closed bool `json:"closed"`
}

type LoadOlderResponse struct {
	Added int  `json:"added"`
	View  View `json:"view"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversation_id"`
	// At defaults to the newest confirmed message in the view.
	At time.Time `json:"at,omitzero"`
}

type MarkReadResponse struct {
	Advanced   bool      `json:"advanced"`
	LastReadAt time.Time `json:"last_read_at"`
}

type PeersResponse struct {
	Watermarks map[string]time.Time `json:"watermarks"`
}

// Event is one bus event streamed by Watch.
type Event struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type WatchRequest struct {
	// ConversationID filters events; empty streams everything.
	ConversationID string `json:"conversation_id,omitempty"`
}

type StatusResponse struct {
	Profile  string                    `json:"profile"`
	State    string                    `json:"state"`
	Since    time.Time                 `json:"since"`
	UptimeMs int64                     `json:"uptime_ms"`
	UserID   string                    `json:"user_id,omitempty"`
	ClientID string                    `json:"client_id"`
	Online   bool                      `json:"online"`
	Pending  map[store.OutboxState]int `json:"pending"`
	Mirrored int64                     `json:"mirrored"`
	Open     []string                  `json:"open,omitempty"`
	Draining bool                      `json:"draining"`
	// Dropped counts bus deliveries skipped because a consumer fell behind.
	Dropped uint64 `json:"dropped_events"`
}

type LoginRequest struct {
	Token string `json:"token"`
}

type SetOnlineRequest struct {
	Online bool `json:"online"`
}
