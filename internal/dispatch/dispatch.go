// ABOUTME: Dispatcher routes agent replies to waiting callers and connectors
// ABOUTME: Also carries proactive sends from the send_message tool

package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hearthd/hearth-gateway/internal/bus"
)

// Deliverer is the slice of the connector layer the dispatcher needs.
type Deliverer interface {
	Deliver(ctx context.Context, connectorID, conversationKey, participantID, text string) error
}

// Dispatcher delivers completed replies. A synchronous caller waiting on the
// envelope's reply slot takes priority; otherwise the reply goes out through
// the origin connector.
type Dispatcher struct {
	connectors Deliverer
	logger     *slog.Logger
}

// New creates a dispatcher delivering through the given connector layer.
func New(connectors Deliverer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		connectors: connectors,
		logger:     logger.With("component", "dispatch"),
	}
}

// Reply delivers the agent's reply for an envelope. Fulfilling the reply slot
// and echoing to the connector are independent: a dead socket must not starve
// the waiting caller, and vice versa.
func (d *Dispatcher) Reply(ctx context.Context, env *bus.Envelope, text string) error {
	delivered := false

	if env.HasReplySlot() {
		if env.FulfillReply(bus.Reply{Text: text}) {
			delivered = true
		}
		if !env.EchoToConnector {
			return nil
		}
	}

	err := d.connectors.Deliver(ctx, env.Origin.ConnectorID, env.Origin.ConversationKey, env.Origin.ParticipantID, text)
	if err != nil {
		d.logger.Warn("connector delivery failed",
			"connector", env.Origin.ConnectorID,
			"conversation", env.Origin.ConversationKey,
			"error", err)
		if delivered {
			// The caller already has the reply; the echo failure is logged only.
			return nil
		}
		return fmt.Errorf("deliver reply: %w", err)
	}
	return nil
}

// Error delivers a visible failure for an envelope, so the human is never
// left waiting on a silently dropped message.
func (d *Dispatcher) Error(ctx context.Context, env *bus.Envelope, cause error) {
	if env.HasReplySlot() {
		env.FulfillReply(bus.Reply{Err: cause})
		if !env.EchoToConnector {
			return
		}
	}
	text := fmt.Sprintf("Something went wrong handling that message: %v", cause)
	if err := d.connectors.Deliver(ctx, env.Origin.ConnectorID, env.Origin.ConversationKey, env.Origin.ParticipantID, text); err != nil {
		d.logger.Warn("error delivery failed",
			"connector", env.Origin.ConnectorID,
			"conversation", env.Origin.ConversationKey,
			"error", err)
	}
}

// SendProactive pushes an agent-initiated message out through a connector.
// Used by the send_message tool and by scheduler-driven reminders.
func (d *Dispatcher) SendProactive(ctx context.Context, connectorID, conversationKey, participantID, text string) error {
	d.logger.Info("proactive send",
		"connector", connectorID,
		"conversation", conversationKey)
	if err := d.connectors.Deliver(ctx, connectorID, conversationKey, participantID, text); err != nil {
		return fmt.Errorf("proactive send: %w", err)
	}
	return nil
}
