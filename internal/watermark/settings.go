package watermark

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Settings are a user's privacy settings relevant to read receipts.
type Settings struct {
	ReadReceipts bool
}

// SettingsProvider looks up privacy settings.
type SettingsProvider interface {
	Settings(ctx context.Context, userID string) (Settings, error)
}

// CachedSettings is a bounded, TTL-limited cache in front of a SettingsProvider.
type CachedSettings struct {
	next  SettingsProvider
	cache *expirable.LRU[string, Settings]
}

// NewCachedSettings wraps next with a cache of at most size entries kept for ttl.
func NewCachedSettings(next SettingsProvider, size int, ttl time.Duration) *CachedSettings {
	if size <= 0 {
		size = 256
	}
	return &CachedSettings{
		next:  next,
		cache: expirable.NewLRU[string, Settings](size, nil, ttl),
	}
}

// Settings returns the cached settings of userID, fetching them on a miss.
// Lookup errors are not cached.
func (c *CachedSettings) Settings(ctx context.Context, userID string) (Settings, error) {
	if s, ok := c.cache.Get(userID); ok {
		return s, nil
	}
	s, err := c.next.Settings(ctx, userID)
	if err != nil {
		return Settings{}, err
	}
	c.cache.Add(userID, s)
	return s, nil
}

// Invalidate drops the cached settings of userID.
func (c *CachedSettings) Invalidate(userID string) {
	c.cache.Remove(userID)
}

// Len returns the number of cached entries.
func (c *CachedSettings) Len() int {
	return c.cache.Len()
}
