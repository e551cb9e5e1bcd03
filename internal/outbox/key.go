package outbox

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/store"
)

const clientIDKey = "client_id"

// KeyGenerator hands out message ids and derives idempotency keys from the
// install's client id, which is created once and persisted in sync_state.
type KeyGenerator struct {
	clientID string
}

// LoadKeyGenerator returns a generator bound to the persisted client id,
// creating one on first use.
func LoadKeyGenerator(db *store.DB) (*KeyGenerator, error) {
	id, err := db.GetState(clientIDKey)
	if errors.Is(err, store.ErrNotFound) {
		id = uuid.NewString()
		if err := db.SetState(clientIDKey, id); err != nil {
			return nil, fmt.Errorf("persist client id: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load client id: %w", err)
	}
	return &KeyGenerator{clientID: id}, nil
}

// NewKeyGenerator returns a generator for a fixed client id.
func NewKeyGenerator(clientID string) *KeyGenerator {
	return &KeyGenerator{clientID: clientID}
}

// ClientID returns the install's client id.
func (g *KeyGenerator) ClientID() string { return g.clientID }

// NewMessageID returns a fresh client-generated message id.
func (g *KeyGenerator) NewMessageID() string { return uuid.NewString() }

// Key returns the idempotency key for messageID.
func (g *KeyGenerator) Key(messageID string) string {
	return store.IdempotencyKey(g.clientID, messageID)
}
