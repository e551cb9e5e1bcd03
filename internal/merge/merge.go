// Package merge combines the authoritative message window with pending
// outbox items into one ordered view without duplicates.
package merge

import (
	"cmp"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// Merge returns server messages and the projection of unconfirmed outbox
// items, newest first by ServerReceivedAt, with at most one message per
// idempotency key. A server copy always wins over a projected one. Projected
// items are stamped with now so they sort to the top. Inputs are not modified.
func Merge(server []store.Message, items []store.OutboxItem, selfUserID string, now time.Time) []store.Message {
	confirmed := make(map[string]struct{}, len(server))
	for _, m := range server {
		if m.IdempotencyKey != "" {
			confirmed[m.IdempotencyKey] = struct{}{}
		}
	}

	type entry struct {
		msg store.Message
		seq int64
	}
	entries := make([]entry, 0, len(server)+len(items))
	for _, m := range server {
		m.Status = ""
		entries = append(entries, entry{msg: m})
	}
	for _, item := range items {
		if _, ok := confirmed[item.IdempotencyKey()]; ok {
			continue
		}
		entries = append(entries, entry{msg: Project(item, selfUserID, now), seq: item.Seq})
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		if c := b.msg.ServerReceivedAt.Compare(a.msg.ServerReceivedAt); c != 0 {
			return c
		}
		// Confirmed before projected.
		if ap, bp := a.msg.Pending(), b.msg.Pending(); ap != bp {
			if ap {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(b.seq, a.seq); c != 0 {
			return c
		}
		return cmp.Compare(b.msg.ID, a.msg.ID)
	})

	out := make([]store.Message, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := e.msg.IdempotencyKey
		if key == "" {
			key = "id:" + e.msg.ConversationID + "/" + e.msg.ID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e.msg)
	}
	return out
}

// Project turns an outbox item into the synthetic message shown until the
// server copy arrives. Local attachments are exposed by their local URI.
func Project(item store.OutboxItem, selfUserID string, now time.Time) store.Message {
	msg := item.Message()
	if msg.SenderID == "" {
		msg.SenderID = selfUserID
	}
	msg.ServerReceivedAt = now
	msg.Status = item.State
	if len(item.Pending) > 0 {
		atts := make([]store.Attachment, 0, len(item.Attachments)+len(item.Pending))
		atts = append(atts, item.Attachments...)
		for _, p := range item.Pending {
			atts = append(atts, p.Uploaded(p.LocalURI, ""))
		}
		msg.Attachments = atts
	}
	return msg
}

// Confirmed returns the ids of outbox items whose idempotency key appears in
// the server set, in item order.
func Confirmed(server []store.Message, items []store.OutboxItem) []string {
	keys := make(map[string]struct{}, len(server))
	for _, m := range server {
		keys[m.IdempotencyKey] = struct{}{}
	}
	var ids []string
	for _, item := range items {
		if _, ok := keys[item.IdempotencyKey()]; ok {
			ids = append(ids, item.MessageID)
		}
	}
	return ids
}
