// ABOUTME: Ordered inbox of inbound envelopes with per-conversation FIFO delivery
// ABOUTME: Publish never blocks; Consume serializes envelopes sharing a conversation key

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusFull is returned by Publish when the bounded inbox is at capacity.
// The connector decides whether to drop or retry.
var ErrBusFull = errors.New("bus inbox full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// ErrReplyTimeout is returned by WaitReply when the reply slot is not
// fulfilled within the caller's timeout.
var ErrReplyTimeout = errors.New("reply timeout")

// ErrUnknownEnvelope is returned by WaitReply for an envelope that was never
// published with a reply slot, or whose slot was already claimed.
var ErrUnknownEnvelope = errors.New("no pending reply for envelope")

// DefaultCapacity bounds the inbox when no explicit capacity is configured.
const DefaultCapacity = 1024

// MessageBus is the single ordered inbox between connectors and the agent
// loop. For a fixed conversation key envelopes are handed to consumers in
// publish order, one at a time: after Consume returns an envelope for key K,
// no further envelope for K is delivered until Done is called for it.
// Envelopes with different keys interleave freely across consumers.
type MessageBus struct {
	mu        sync.Mutex
	queues    map[string][]*Envelope
	inflight  map[string]bool
	keyQueued map[string]bool
	readyKeys []string
	size      int
	capacity  int
	closed    bool

	pending map[string]*replySlot

	wake   chan struct{}
	logger *slog.Logger
}

// New creates a bus with the given inbox capacity. Zero or negative uses
// DefaultCapacity. Pass nil logger for the default.
func NewBus(capacity int, logger *slog.Logger) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageBus{
		queues:    make(map[string][]*Envelope),
		inflight:  make(map[string]bool),
		keyQueued: make(map[string]bool),
		pending:   make(map[string]*replySlot),
		capacity:  capacity,
		wake:      make(chan struct{}, 1),
		logger:    logger.With("component", "bus"),
	}
}

// Publish appends an envelope to the inbox and returns immediately. It never
// blocks: when the inbox is at capacity it returns ErrBusFull instead.
func (b *MessageBus) Publish(env *Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.size >= b.capacity {
		b.mu.Unlock()
		b.logger.Warn("inbox full, rejecting publish",
			"envelope_id", env.ID,
			"conversation_key", env.Origin.ConversationKey,
		)
		return ErrBusFull
	}

	key := env.Origin.ConversationKey
	b.queues[key] = append(b.queues[key], env)
	b.size++
	if env.slot != nil {
		b.pending[env.ID] = env.slot
	}
	if !b.inflight[key] && !b.keyQueued[key] {
		b.readyKeys = append(b.readyKeys, key)
		b.keyQueued[key] = true
	}
	b.mu.Unlock()

	b.signal()
	b.logger.Debug("published",
		"envelope_id", env.ID,
		"kind", env.Kind,
		"conversation_key", key,
	)
	return nil
}

// Consume blocks until an envelope whose conversation key is not currently
// in flight becomes available, or ctx is cancelled. The caller must call
// Done with the envelope once processing finishes (on every exit path) or
// the conversation is stuck.
func (b *MessageBus) Consume(ctx context.Context) (*Envelope, error) {
	for {
		b.mu.Lock()
		if env := b.takeLocked(); env != nil {
			more := len(b.readyKeys) > 0
			b.mu.Unlock()
			if more {
				b.signal() // let a sibling consumer pick up another key
			}
			return env, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.wake:
		}
	}
}

// takeLocked pops the next envelope from the oldest ready key. Caller holds mu.
func (b *MessageBus) takeLocked() *Envelope {
	if len(b.readyKeys) == 0 {
		return nil
	}
	key := b.readyKeys[0]
	b.readyKeys = b.readyKeys[1:]
	b.keyQueued[key] = false

	q := b.queues[key]
	env := q[0]
	if len(q) == 1 {
		delete(b.queues, key)
	} else {
		b.queues[key] = q[1:]
	}
	b.size--
	b.inflight[key] = true
	return env
}

// Done releases the conversation key of a consumed envelope, allowing the
// next envelope for that key to be delivered.
func (b *MessageBus) Done(env *Envelope) {
	key := env.Origin.ConversationKey
	b.mu.Lock()
	delete(b.inflight, key)
	if len(b.queues[key]) > 0 && !b.keyQueued[key] {
		b.readyKeys = append(b.readyKeys, key)
		b.keyQueued[key] = true
	}
	b.mu.Unlock()
	b.signal()
}

// WaitReply blocks until the reply slot of a previously published envelope
// is fulfilled, the timeout elapses, or ctx is cancelled. On timeout the
// pending slot is released; a late fulfillment is discarded.
func (b *MessageBus) WaitReply(ctx context.Context, envelopeID string, timeout time.Duration) (Reply, error) {
	b.mu.Lock()
	slot, ok := b.pending[envelopeID]
	b.mu.Unlock()
	if !ok {
		return Reply{}, ErrUnknownEnvelope
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-slot.ch:
		b.release(envelopeID)
		return r, nil
	case <-timer.C:
		b.release(envelopeID)
		return Reply{}, ErrReplyTimeout
	case <-ctx.Done():
		b.release(envelopeID)
		return Reply{}, ctx.Err()
	}
}

func (b *MessageBus) release(envelopeID string) {
	b.mu.Lock()
	delete(b.pending, envelopeID)
	b.mu.Unlock()
}

// KeyBusy reports whether a conversation key has an envelope queued or in
// flight. The scheduler uses this to skip wake fires that would pile up
// behind unfinished work for the same conversation.
func (b *MessageBus) KeyBusy(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[key] || len(b.queues[key]) > 0
}

// PendingCount returns the number of envelopes waiting in the inbox.
func (b *MessageBus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close rejects further publishes. Envelopes already queued can still be
// consumed so shutdown can drain.
func (b *MessageBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *MessageBus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
