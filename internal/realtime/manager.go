package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sapliy/notification-delivery/internal/notification"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// Sink receives every pushed notification while the manager is attached.
type Sink interface {
	IngestPush(n notification.Notification)
}

type SinkFunc func(n notification.Notification)

func (f SinkFunc) IngestPush(n notification.Notification) { f(n) }

type ManagerOption func(*Manager)

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithOnRegistered is called on the session goroutine after each successful
// register. reconnect is false for the first connection of a session.
// The callback must not call Start or Stop.
func WithOnRegistered(fn func(ctx context.Context, reconnect bool)) ManagerOption {
	return func(m *Manager) { m.onRegistered = fn }
}

// Manager owns at most one transport, bound to the signed-in user.
type Manager struct {
	factory      TransportFactory
	sink         Sink
	logger       *slog.Logger
	onRegistered func(ctx context.Context, reconnect bool)

	lifecycle sync.Mutex

	mu        sync.Mutex
	userID    string
	state     State
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewManager(factory TransportFactory, sink Sink, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: factory,
		sink:    sink,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start connects on behalf of userID. An empty id is a no-op, as is a repeat
// call for the user whose session is still running. Starting for a different
// user tears the previous session down first. A session whose transport gave
// up is started afresh.
func (m *Manager) Start(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	current, running := m.userID, m.transport != nil
	m.mu.Unlock()
	if running && current == userID {
		return nil
	}
	if running {
		m.logger.Info("realtime user changed, restarting", "previous_user", current, "user_id", userID)
		m.stopLocked()
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t, err := m.factory(sessionCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open realtime transport: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.userID = userID
	m.transport = t
	m.state = StateConnecting
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.loop(sessionCtx, t, userID, done)
	return nil
}

// Stop detaches from the transport, then closes it and waits for the session
// goroutine. No push is delivered to the sink once Stop has begun.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.mu.Lock()
	t, cancel, done := m.transport, m.cancel, m.done
	m.transport = nil
	m.cancel = nil
	m.done = nil
	m.userID = ""
	m.state = StateDisconnected
	m.mu.Unlock()

	if t == nil {
		return
	}
	cancel()
	if err := t.Close(); err != nil {
		m.logger.Warn("realtime transport close failed", "error", err)
	}
	<-done
}

// release forgets t after it gave up so a later Start dials again. The user
// id is kept.
func (m *Manager) release(t Transport) bool {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return false
	}
	cancel := m.cancel
	m.transport = nil
	m.cancel = nil
	m.done = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	cancel()
	if err := t.Close(); err != nil {
		m.logger.Warn("realtime transport close failed", "error", err)
	}
	return true
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) loop(ctx context.Context, t Transport, userID string, done chan struct{}) {
	defer close(done)
	logger := m.logger.With("user_id", userID)
	registered := make(map[uint64]bool)
	sessions := 0

	events := t.Events()
	for {
		var ev Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
		}
		if !ok {
			if m.release(t) {
				logger.Error("realtime transport gave up")
			}
			return
		}

		switch ev.Type {
		case EventConnect:
			if registered[ev.ConnID] || !m.setState(t, StateConnected) {
				continue
			}
			if err := m.register(ctx, t, ev.ConnID, userID); err != nil {
				logger.Warn("realtime register failed, dropping connection", "conn_id", ev.ConnID, "transport", ev.Transport, "error", err)
				t.Drop(ev.ConnID)
				continue
			}
			registered[ev.ConnID] = true
			RegistrationsTotal.Inc()
			if !m.setState(t, StateRegistered) {
				return
			}
			logger.Info("realtime registered", "conn_id", ev.ConnID, "transport", ev.Transport)
			sessions++
			if m.onRegistered != nil {
				m.onRegistered(ctx, sessions > 1)
			}

		case EventDisconnect:
			delete(registered, ev.ConnID)
			m.setState(t, StateDisconnected)
			logger.Warn("realtime connection lost", "conn_id", ev.ConnID, "error", ev.Err)

		case EventNotification:
			n, err := decodeNotification(ev.Payload)
			if err != nil {
				logger.Warn("dropping malformed notification", "error", err)
				continue
			}
			m.deliver(t, n)
		}
	}
}

func (m *Manager) register(ctx context.Context, t Transport, connID uint64, userID string) error {
	f, err := NewFrame(FrameRegister, userID)
	if err != nil {
		return err
	}
	return t.Emit(ctx, connID, f)
}

// deliver hands n to the sink while holding mu so Stop cannot interleave.
func (m *Manager) deliver(t Transport, n notification.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != t || m.sink == nil {
		return
	}
	m.sink.IngestPush(n)
}

func (m *Manager) setState(t Transport, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != t {
		return false
	}
	m.state = s
	return true
}

var errEmptyPayload = errors.New("empty notification payload")

func decodeNotification(raw json.RawMessage) (notification.Notification, error) {
	var n notification.Notification
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return n, errEmptyPayload
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, err
	}
	if n.ID == "" {
		return n, errors.New("notification without id")
	}
	return n, nil
}
