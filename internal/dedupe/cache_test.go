// ABOUTME: Tests for the dedupe cache guarding connectors against redelivery.
// ABOUTME: Validates mark-on-first-sight, TTL expiry, size bounds, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SeenMarksNewKeys(t *testing.T) {
	cache := New(5*time.Minute, 100)

	assert.False(t, cache.Seen("telegram/update-1"), "first sighting is not a duplicate")
	assert.True(t, cache.Seen("telegram/update-1"), "second sighting is a duplicate")
}

func TestCache_SeenExpires(t *testing.T) {
	cache := New(20*time.Millisecond, 100)

	assert.False(t, cache.Seen("k"))
	assert.True(t, cache.Seen("k"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, cache.Seen("k"), "expired key is treated as new")
}

func TestCache_ContainsDoesNotMark(t *testing.T) {
	cache := New(5*time.Minute, 100)

	assert.False(t, cache.Contains("k"))
	assert.False(t, cache.Seen("k"))
	assert.True(t, cache.Contains("k"))
}

func TestCache_SizeBound(t *testing.T) {
	cache := New(5*time.Minute, 3)

	for i := 0; i < 10; i++ {
		cache.Seen(fmt.Sprintf("key-%d", i))
	}
	assert.LessOrEqual(t, cache.Len(), 3)

	// Oldest keys were evicted, most recent survive.
	assert.True(t, cache.Contains("key-9"))
	assert.False(t, cache.Contains("key-0"))
}

func TestCache_ConcurrentSeen(t *testing.T) {
	cache := New(5*time.Minute, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Seen(fmt.Sprintf("worker-%d-key-%d", n, j))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, cache.Len())
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "discord/msg-42", EventKey("discord", "msg-42"))
}
