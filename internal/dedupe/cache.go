// ABOUTME: TTL-bounded cache for deduplicating platform events from connectors.
// ABOUTME: Prevents double processing when a platform redelivers the same update.

package dedupe

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache tracks recently seen platform event keys so redelivered updates are
// dropped before they reach the message bus. Entries expire after the TTL and
// the cache is size-bounded, so a chatty connector cannot grow it unboundedly.
type Cache struct {
	seen *expirable.LRU[string, time.Time]
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen: expirable.NewLRU[string, time.Time](maxSize, nil, ttl),
	}
}

// EventKey builds the dedupe key for a platform event. Connectors call this
// with whatever unique identifier the platform provides for an update.
func EventKey(connectorID, eventID string) string {
	return fmt.Sprintf("%s/%s", connectorID, eventID)
}

// Seen reports whether the key was marked and has not expired, and marks it
// if it was new. The check and mark are a single operation from the caller's
// point of view, so two deliveries of the same event cannot both pass.
func (c *Cache) Seen(key string) bool {
	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, time.Now())
	return false
}

// Contains reports whether the key is present without marking it.
func (c *Cache) Contains(key string) bool {
	return c.seen.Contains(key)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.seen.Len()
}
