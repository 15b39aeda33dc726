// ABOUTME: Connector interface and supervising Manager
// ABOUTME: Each connector runs under a reconnect loop with exponential backoff

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownConnector is returned when delivery targets a connector
	// that was never registered.
	ErrUnknownConnector = errors.New("unknown connector")
	// ErrNoDeliveryPath is returned by connectors that cannot push a
	// message without a live client connection.
	ErrNoDeliveryPath = errors.New("no delivery path to recipient")
)

// Connector is a message surface. Start blocks for the connector's lifetime
// and returns when the underlying transport fails or ctx is cancelled; the
// Manager restarts it with backoff.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Deliver(ctx context.Context, conversationKey, participantID, text string) error
	Stop() error
}

// State is a connector's supervision state.
type State string

const (
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

const (
	defaultInitialBackoff = 5 * time.Second
	defaultMaxBackoff     = 5 * time.Minute
	// defaultStablePeriod is how long a connector must stay up before its
	// backoff resets to the initial value.
	defaultStablePeriod = 2 * time.Minute
)

// Manager owns the registered connectors, supervises their lifecycles, and
// routes outbound deliveries to the right one.
type Manager struct {
	mu         sync.Mutex
	connectors map[string]Connector
	states     map[string]State
	logger     *slog.Logger
	wg         sync.WaitGroup

	// Supervision timing, overridable before StartAll.
	initialBackoff time.Duration
	maxBackoff     time.Duration
	stablePeriod   time.Duration
}

// NewManager creates an empty connector manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connectors:     make(map[string]Connector),
		states:         make(map[string]State),
		logger:         logger.With("component", "connectors"),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		stablePeriod:   defaultStablePeriod,
	}
}

// Register adds a connector. Duplicate names are a configuration error.
func (m *Manager) Register(c Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connectors[c.Name()]; exists {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	m.connectors[c.Name()] = c
	m.states[c.Name()] = StateConnecting
	return nil
}

// StartAll launches one supervisor goroutine per connector. It does not
// block; use StopAll to wait for shutdown after cancelling ctx.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connectors {
		m.wg.Add(1)
		go func(c Connector) {
			defer m.wg.Done()
			m.supervise(ctx, c)
		}(c)
	}
}

// supervise runs one connector's reconnect loop until ctx is cancelled.
func (m *Manager) supervise(ctx context.Context, c Connector) {
	logger := m.logger.With("connector", c.Name())
	backoff := m.initialBackoff

	for {
		m.setState(c.Name(), StateLive)
		logger.Info("connector started")
		started := time.Now()

		err := c.Start(ctx)

		if ctx.Err() != nil {
			m.setState(c.Name(), StateStopped)
			logger.Info("connector stopped")
			return
		}

		// A long stable run earns a fresh backoff.
		if time.Since(started) >= m.stablePeriod {
			backoff = m.initialBackoff
		}

		m.setState(c.Name(), StateReconnecting)
		wait := jitter(backoff)
		logger.Warn("connector failed, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			m.setState(c.Name(), StateStopped)
			return
		case <-time.After(wait):
		}

		backoff = m.nextBackoff(backoff)
		m.setState(c.Name(), StateConnecting)
	}
}

// nextBackoff doubles the reconnect delay up to the configured cap.
func (m *Manager) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > m.maxBackoff {
		d = m.maxBackoff
	}
	return d
}

// jitter spreads reconnect attempts over ±25% of the base delay.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 2)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(rand.Int63n(spread))
}

// Deliver routes an outbound message to the named connector.
func (m *Manager) Deliver(ctx context.Context, connectorID, conversationKey, participantID, text string) error {
	m.mu.Lock()
	c, ok := m.connectors[connectorID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	return c.Deliver(ctx, conversationKey, participantID, text)
}

// State reports a connector's supervision state.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return StateStopped
	}
	return s
}

// StopAll stops every connector and waits for the supervisors to exit.
// The ctx passed to StartAll must already be cancelled.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for name, c := range m.connectors {
		if err := c.Stop(); err != nil {
			m.logger.Warn("connector stop failed", "connector", name, "error", err)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) setState(name string, s State) {
	m.mu.Lock()
	m.states[name] = s
	m.mu.Unlock()
}

// Mentioned reports whether a group message addresses the agent by name,
// either as @name or as a bare leading name.
func Mentioned(text, agentName string) bool {
	if agentName == "" {
		return false
	}
	lower := strings.ToLower(text)
	name := strings.ToLower(agentName)
	if strings.Contains(lower, "@"+name) {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(lower), name+":") ||
		strings.HasPrefix(strings.TrimSpace(lower), name+",")
}
