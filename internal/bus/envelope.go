// ABOUTME: Envelope types for messages crossing the bus
// ABOUTME: Defines Origin, Payload, Kind and the single-assignment reply slot

package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an envelope by where it originated.
type Kind string

const (
	// KindInbound is a message from a human via a connector.
	KindInbound Kind = "inbound"
	// KindOutbound is a reply produced by the agent loop.
	KindOutbound Kind = "outbound"
	// KindSystem is a machine-originated message (scheduler fire, periodic wake).
	KindSystem Kind = "system"
)

// Origin identifies where an envelope came from and where its reply must go.
type Origin struct {
	ConnectorID     string
	ConversationKey string
	ParticipantID   string
}

// Attachment references a file carried alongside a message, either by path
// or as an inline blob.
type Attachment struct {
	Name     string
	MimeType string
	Path     string
	Data     []byte
}

// Payload is the normalized content of a message.
type Payload struct {
	Text        string
	Attachments []Attachment
	Metadata    map[string]any
}

// Reply is the terminal outcome delivered to a waiting synchronous caller.
type Reply struct {
	Text        string
	Attachments []Attachment
	Err         error
}

// Envelope is the unit of communication crossing the bus. Every envelope has
// exactly one Origin. An envelope created with NewRequest additionally carries
// a reply slot that is fulfilled exactly once.
type Envelope struct {
	ID            string
	Kind          Kind
	Origin        Origin
	Payload       Payload
	ReplyExpected bool
	CreatedAt     time.Time

	// EchoToConnector marks a synchronous request that should also be
	// delivered to the origin connector (bridged clients).
	EchoToConnector bool

	slot *replySlot
}

// replySlot is a single-assignment future. The buffered channel holds the
// reply so a late fulfillment after the waiter gave up is silently dropped.
type replySlot struct {
	once sync.Once
	ch   chan Reply
}

// New creates a fire-and-forget envelope.
func New(kind Kind, origin Origin, payload Payload) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		Kind:          kind,
		Origin:        origin,
		Payload:       payload,
		ReplyExpected: true,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewRequest creates an envelope carrying a reply slot for a synchronous
// caller that will block in WaitReply.
func NewRequest(origin Origin, payload Payload) *Envelope {
	env := New(KindInbound, origin, payload)
	env.slot = &replySlot{ch: make(chan Reply, 1)}
	return env
}

// HasReplySlot reports whether a synchronous caller is waiting on this envelope.
func (e *Envelope) HasReplySlot() bool {
	return e.slot != nil
}

// FulfillReply resolves the reply slot. Returns true on the first call,
// false if there is no slot or it was already fulfilled.
func (e *Envelope) FulfillReply(r Reply) bool {
	if e.slot == nil {
		return false
	}
	done := false
	e.slot.once.Do(func() {
		e.slot.ch <- r
		done = true
	})
	return done
}

// ConversationKey builds the stable key that partitions ordering and memory.
// Direct chats map to "<connector>:dm:<chat>", group chats to
// "<connector>:group:<group>" with an optional thread suffix.
func ConversationKey(connectorID string, isGroup bool, chatID, threadID string) string {
	var key string
	if isGroup {
		key = fmt.Sprintf("%s:group:%s", connectorID, chatID)
	} else {
		key = fmt.Sprintf("%s:dm:%s", connectorID, chatID)
	}
	if threadID != "" {
		key += ":thread:" + threadID
	}
	return key
}
