// ABOUTME: Tests for the reply dispatcher
// ABOUTME: Covers reply-slot priority, bridged echo, and proactive sends

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearth-gateway/internal/bus"
)

type fakeConnectors struct {
	mu         sync.Mutex
	sent       []string
	deliverErr error
}

func (f *fakeConnectors) Deliver(ctx context.Context, connectorID, conversationKey, participantID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.sent = append(f.sent, connectorID+"|"+conversationKey+"|"+text)
	return nil
}

func (f *fakeConnectors) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitReply(t *testing.T, b *bus.MessageBus, env *bus.Envelope) bus.Reply {
	t.Helper()
	r, err := b.WaitReply(context.Background(), env.ID, time.Second)
	require.NoError(t, err)
	return r
}

func TestReplyFulfillsSlot(t *testing.T) {
	fc := &fakeConnectors{}
	d := New(fc, nil)
	b := bus.NewBus(16, nil)
	defer b.Close()

	env := bus.NewRequest(bus.Origin{ConnectorID: "http", ConversationKey: "http:dm:u1"}, bus.Payload{Text: "hi"})
	require.NoError(t, b.Publish(env))

	done := make(chan bus.Reply, 1)
	go func() { done <- waitReply(t, b, env) }()

	require.NoError(t, d.Reply(context.Background(), env, "hello"))
	assert.Equal(t, "hello", (<-done).Text)
	assert.Empty(t, fc.messages(), "slot reply should not also hit the connector")
}

func TestReplyDeliversToConnectorWithoutSlot(t *testing.T) {
	fc := &fakeConnectors{}
	d := New(fc, nil)

	env := bus.New(bus.KindInbound, bus.Origin{ConnectorID: "ws", ConversationKey: "ws:dm:u1"}, bus.Payload{Text: "hi"})
	require.NoError(t, d.Reply(context.Background(), env, "hello"))

	msgs := fc.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ws|ws:dm:u1|hello", msgs[0])
}

func TestReplyEchoesToBridgedConnector(t *testing.T) {
	fc := &fakeConnectors{}
	d := New(fc, nil)
	b := bus.NewBus(16, nil)
	defer b.Close()

	env := bus.NewRequest(bus.Origin{ConnectorID: "ws", ConversationKey: "ws:dm:u1"}, bus.Payload{Text: "hi"})
	env.EchoToConnector = true
	require.NoError(t, b.Publish(env))

	done := make(chan bus.Reply, 1)
	go func() { done <- waitReply(t, b, env) }()

	require.NoError(t, d.Reply(context.Background(), env, "hello"))
	assert.Equal(t, "hello", (<-done).Text)
	assert.Len(t, fc.messages(), 1)
}

func TestEchoFailureDoesNotFailFulfilledReply(t *testing.T) {
	fc := &fakeConnectors{deliverErr: errors.New("socket closed")}
	d := New(fc, nil)
	b := bus.NewBus(16, nil)
	defer b.Close()

	env := bus.NewRequest(bus.Origin{ConnectorID: "ws", ConversationKey: "ws:dm:u1"}, bus.Payload{Text: "hi"})
	env.EchoToConnector = true
	require.NoError(t, b.Publish(env))

	done := make(chan bus.Reply, 1)
	go func() { done <- waitReply(t, b, env) }()

	require.NoError(t, d.Reply(context.Background(), env, "hello"))
	assert.Equal(t, "hello", (<-done).Text)
}

func TestDeliveryFailureWithoutSlotIsAnError(t *testing.T) {
	fc := &fakeConnectors{deliverErr: errors.New("connector down")}
	d := New(fc, nil)

	env := bus.New(bus.KindInbound, bus.Origin{ConnectorID: "ws", ConversationKey: "ws:dm:u1"}, bus.Payload{Text: "hi"})
	assert.Error(t, d.Reply(context.Background(), env, "hello"))
}

func TestErrorReachesWaitingCaller(t *testing.T) {
	fc := &fakeConnectors{}
	d := New(fc, nil)
	b := bus.NewBus(16, nil)
	defer b.Close()

	env := bus.NewRequest(bus.Origin{ConnectorID: "http", ConversationKey: "http:dm:u1"}, bus.Payload{Text: "hi"})
	require.NoError(t, b.Publish(env))

	done := make(chan bus.Reply, 1)
	go func() { done <- waitReply(t, b, env) }()

	d.Error(context.Background(), env, errors.New("model unavailable"))
	r := <-done
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "model unavailable")
}

func TestErrorTextForAsyncOrigin(t *testing.T) {
	fc := &fakeConnectors{}
	d := New(fc, nil)

	env := bus.New(bus.KindInbound, bus.Origin{ConnectorID: "ws", ConversationKey: "ws:dm:u1"}, bus.Payload{Text: "hi"})
	d.Error(context.Background(), env, errors.New("model unavailable"))

	msgs := fc.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "model unavailable")
}

func TestSendProactive(t *testing.T) {
	fc := &fakeConnectors{}
	d := New(fc, nil)

	require.NoError(t, d.SendProactive(context.Background(), "http", "http:dm:owner", "owner", "reminder: stand up"))
	msgs := fc.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "http|http:dm:owner|reminder: stand up", msgs[0])
}
