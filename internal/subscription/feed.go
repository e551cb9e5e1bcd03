// Package subscription keeps a live, paginated window of confirmed messages
// per open conversation.
package subscription

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// Feed is the realtime side of the backing store.
type Feed interface {
	// Subscribe starts a live subscription to the newest limit messages of a
	// conversation. onWindow receives the full current window, newest first,
	// once established and after every change. onError is called at most once
	// when the stream breaks; no further callbacks follow it.
	Subscribe(ctx context.Context, conversationID string, limit int,
		onWindow func([]store.Message), onError func(error)) (Subscription, error)

	// FetchOlder returns up to limit messages strictly older than before,
	// newest first.
	FetchOlder(ctx context.Context, conversationID string, before time.Time, limit int) ([]store.Message, error)
}

// Subscription is an established live stream.
type Subscription interface {
	Close() error
}
