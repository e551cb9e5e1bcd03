package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the namespace before the first dot.
const (
	SessionStatusChanged = "session.status_changed"
	SessionOnline        = "session.online"
	SessionForeground    = "session.foreground"
	SessionAuthenticated = "session.authenticated"
	SessionAuthFailed    = "session.auth_failed"
	SessionLoggedOut     = "session.logged_out"

	OutboxEnqueued      = "outbox.enqueued"
	OutboxStateChanged  = "outbox.state_changed"
	OutboxWritten       = "outbox.written"
	OutboxRemoved       = "outbox.removed"
	OutboxDrainFinished = "outbox.drain_finished"

	UploadProgress = "upload.progress"

	SubscriptionWindow = "subscription.window"
	SubscriptionError  = "subscription.error"
	SubscriptionClosed = "subscription.closed"

	ViewUpdated = "view.updated"

	WatermarkAdvanced = "watermark.advanced"
)
