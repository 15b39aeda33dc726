// Package dedupe provides platform event deduplication using a TTL-bounded
// LRU cache, so redelivered updates are dropped before reaching the bus.
package dedupe
