// Package upload moves local attachments to binary storage before the
// message that references them is written.
package upload

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// BlobStore stores one local file at destPath and returns its durable URL.
// Errors must be classifiable by syncerr: a PermanentRejection aborts the
// send, anything else is retried.
type BlobStore interface {
	Put(ctx context.Context, localURI, destPath string, progress func(written, total int64)) (url string, err error)
}

// Limits restricts what may be attached to a message.
type Limits struct {
	MaxSize      int64
	AllowedKinds []store.Kind
}

// Validate implements outbox.AttachmentValidator.
func (l Limits) Validate(a store.LocalAttachment) error {
	if a.Size < 0 {
		return &syncerr.ValidationError{Field: "size", Reason: "negative size"}
	}
	if l.MaxSize > 0 && a.Size > l.MaxSize {
		return &syncerr.ValidationError{Field: "size", Reason: fmt.Sprintf("%d bytes exceeds limit of %d", a.Size, l.MaxSize)}
	}
	if len(l.AllowedKinds) > 0 && !slices.Contains(l.AllowedKinds, a.Kind) {
		return &syncerr.ValidationError{Field: "kind", Reason: fmt.Sprintf("attachment kind %q not allowed", a.Kind)}
	}
	return nil
}

// Progress is the payload of upload.progress events.
type Progress struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	AttachmentID   string `json:"attachment_id"`
	Written        int64  `json:"written"`
	Total          int64  `json:"total"`
	Done           bool   `json:"done,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Coordinator uploads the local attachments of outbox items and reports
// per-attachment progress on the bus.
type Coordinator struct {
	blobs  BlobStore
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	progress map[string]Progress

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates an upload coordinator.
func NewCoordinator(blobs BlobStore, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		blobs:    blobs,
		bus:      b,
		logger:   logger,
		progress: make(map[string]Progress),
	}
}

// Start drops the progress of messages as they leave the outbox, whether
// confirmed, deduplicated or dismissed.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ch, unsub := c.bus.Subscribe(bus.OutboxRemoved, 256)

	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if r, ok := evt.Payload.(outbox.Removal); ok {
					c.Forget(r.MessageID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the removal listener started by Start.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Upload stores a and returns its uploaded form. It implements outbox.Uploader.
func (c *Coordinator) Upload(ctx context.Context, item store.OutboxItem, a store.LocalAttachment) (store.Attachment, error) {
	dest := DestPath(item.ConversationID, item.MessageID, a)
	report := func(p Progress) {
		p.ConversationID = item.ConversationID
		c.mu.Lock()
		c.progress[item.MessageID+"/"+a.ID] = p
		c.mu.Unlock()
		c.bus.Emit(bus.UploadProgress, p)
	}

	url, err := c.blobs.Put(ctx, a.LocalURI, dest, func(written, total int64) {
		report(Progress{MessageID: item.MessageID, AttachmentID: a.ID, Written: written, Total: total})
	})
	if err != nil {
		c.logger.Warn("attachment upload failed",
			zap.String("message_id", item.MessageID),
			zap.String("attachment_id", a.ID),
			zap.Error(err))
		report(Progress{MessageID: item.MessageID, AttachmentID: a.ID, Total: a.Size, Error: err.Error()})
		return store.Attachment{}, fmt.Errorf("upload %s: %w", a.ID, err)
	}

	report(Progress{MessageID: item.MessageID, AttachmentID: a.ID, Written: a.Size, Total: a.Size, Done: true})
	c.logger.Debug("attachment uploaded",
		zap.String("message_id", item.MessageID),
		zap.String("attachment_id", a.ID),
		zap.String("path", dest))
	return a.Uploaded(url, dest), nil
}

// Progress returns the last reported progress of each attachment of messageID.
func (c *Coordinator) Progress(messageID string) []Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Progress
	for key, p := range c.progress {
		if strings.HasPrefix(key, messageID+"/") {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Progress) int { return strings.Compare(a.AttachmentID, b.AttachmentID) })
	return out
}

// Forget drops recorded progress for messageID.
func (c *Coordinator) Forget(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.progress {
		if strings.HasPrefix(key, messageID+"/") {
			delete(c.progress, key)
		}
	}
}

func (c *Coordinator) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.progress)
}

// DestPath is the storage path of an attachment: conversation/message/attachment.ext.
func DestPath(conversationID, messageID string, a store.LocalAttachment) string {
	return path.Join(conversationID, messageID, a.ID+filepath.Ext(strings.TrimPrefix(a.LocalURI, "file://")))
}
