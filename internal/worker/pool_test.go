// ABOUTME: Tests for the worker pool
// ABOUTME: Uses cat as a protocol-faithful echo worker and sleep as a hung one

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cat echoes each task line unchanged; the echoed JSON parses as a Result
// with a matching request ID, which is all the pool checks.
func newEchoPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := NewPool("cat", size, 2*time.Second, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func TestSubmitRoundTrip(t *testing.T) {
	p := newEchoPool(t, 2)

	res, err := p.Submit(context.Background(), &Task{ConversationKey: "http:dm:casey"})
	require.NoError(t, err)
	assert.Equal(t, TypeTask, res.Type)
	assert.NotEmpty(t, res.RequestID)
}

func TestSameKeySameSlot(t *testing.T) {
	p := newEchoPool(t, 4)

	first := p.slotFor("http:dm:casey")
	for i := 0; i < 10; i++ {
		assert.Same(t, first, p.slotFor("http:dm:casey"))
	}

	// Different keys spread across slots eventually.
	seen := map[int]bool{}
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[p.slotFor(key).index] = true
	}
	assert.Greater(t, len(seen), 1, "hashing should use more than one slot")
}

func TestPing(t *testing.T) {
	p := newEchoPool(t, 3)
	assert.Equal(t, 3, p.Ping(context.Background()))
}

func TestHungWorkerTimesOutAndIsReplaced(t *testing.T) {
	p := NewPool("sleep 300", 1, 100*time.Millisecond, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, err := p.Submit(context.Background(), &Task{ConversationKey: "k"})
	assert.ErrorIs(t, err, ErrTaskTimeout)

	// The slot got a fresh process and stays usable until the restart
	// budget runs out.
	s := p.slotFor("k")
	s.mu.Lock()
	dead := s.dead
	restarts := s.restarts
	s.mu.Unlock()
	assert.False(t, dead)
	assert.Equal(t, 1, restarts)
}

func TestCancelledCallerDoesNotKillSlot(t *testing.T) {
	p := NewPool("sleep 300", 1, time.Minute, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := p.Submit(ctx, &Task{ConversationKey: "k"})
	require.ErrorIs(t, err, context.Canceled)

	// One impatient caller costs the slot a restart, nothing more.
	s := p.slotFor("k")
	s.mu.Lock()
	dead := s.dead
	restarts := s.restarts
	s.mu.Unlock()
	assert.False(t, dead)
	assert.Equal(t, 1, restarts)

	// A fresh caller still reaches a live process.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	_, err = p.Submit(ctx2, &Task{ConversationKey: "k"})
	assert.NotErrorIs(t, err, ErrWorkerDead)
}

func TestRestartBudgetKillsSlot(t *testing.T) {
	p := NewPool("sleep 300", 1, 20*time.Millisecond, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for i := 0; i < maxRestarts; i++ {
		_, err := p.Submit(context.Background(), &Task{ConversationKey: "k"})
		assert.ErrorIs(t, err, ErrTaskTimeout)
	}
	_, err := p.Submit(context.Background(), &Task{ConversationKey: "k"})
	assert.ErrorIs(t, err, ErrTaskTimeout)

	_, err = p.Submit(context.Background(), &Task{ConversationKey: "k"})
	assert.ErrorIs(t, err, ErrWorkerDead)
}

func TestSubmitBeforeStart(t *testing.T) {
	p := NewPool("cat", 1, time.Second, nil)
	_, err := p.Submit(context.Background(), &Task{ConversationKey: "k"})
	assert.Error(t, err)
}
