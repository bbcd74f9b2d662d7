// Package hub is the server end of the realtime channel: it maps each user
// to the connections that registered for them and fans pushes out.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapliy/notification-delivery/internal/notification"
	"github.com/sapliy/notification-delivery/internal/realtime"
)

var connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "hub_connections",
	Help: "Open realtime connections by transport.",
}, []string{"transport"})

const (
	sendBuffer = 64

	// liveWindow is how recently a connection must have shown activity for a
	// push to count as delivered. It covers one poll hold or ping interval.
	liveWindow = pollHold + 10*time.Second
)

// Conn is one client connection, on either transport.
type Conn struct {
	id        string
	transport string
	send      chan realtime.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	userID   string
	lastSeen time.Time
}

func newConn(id, transport string) *Conn {
	return &Conn{
		id:        id,
		transport: transport,
		send:      make(chan realtime.Frame, sendBuffer),
		closed:    make(chan struct{}),
		lastSeen:  time.Now(),
	}
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// enqueue never blocks; a client that cannot keep up loses the frame.
func (c *Conn) enqueue(f realtime.Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

type Hub struct {
	logger     *slog.Logger
	liveWindow time.Duration

	mu    sync.RWMutex
	users map[string]map[*Conn]struct{}
	conns map[*Conn]struct{}
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		liveWindow: liveWindow,
		users:      make(map[string]map[*Conn]struct{}),
		conns:      make(map[*Conn]struct{}),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	connectionsGauge.WithLabelValues(c.transport).Inc()
}

// register binds c to userID. A connection that registers again moves to the
// new user.
func (h *Hub) register(c *Conn, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}

	c.mu.Lock()
	prev := c.userID
	c.userID = userID
	c.mu.Unlock()

	if prev != "" && prev != userID {
		h.unbindLocked(c, prev)
	}
	set, ok := h.users[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.users[userID] = set
	}
	set[c] = struct{}{}
	h.logger.Info("realtime client registered", "user_id", userID, "conn_id", c.id, "transport", c.transport, "connections", len(set))
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	if ok {
		if userID := c.UserID(); userID != "" {
			h.unbindLocked(c, userID)
		}
	}
	h.mu.Unlock()

	c.close()
	if ok {
		connectionsGauge.WithLabelValues(c.transport).Dec()
		h.logger.Debug("realtime client left", "conn_id", c.id, "user_id", c.UserID())
	}
}

func (h *Hub) unbindLocked(c *Conn, userID string) {
	if set, ok := h.users[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, userID)
		}
	}
}

// handleFrame applies a client frame. Only register is meaningful.
func (h *Hub) handleFrame(c *Conn, f realtime.Frame) {
	c.touch()
	if f.Event != realtime.FrameRegister {
		return
	}
	var userID string
	if err := json.Unmarshal(f.Data, &userID); err != nil || userID == "" {
		h.logger.Warn("ignoring malformed register", "conn_id", c.id)
		return
	}
	h.register(c, userID)
}

// Push sends n to every connection of its recipient and reports how many
// accepted it. A connection silent for longer than the live window still gets
// the frame but is not counted, so the caller falls back to email.
func (h *Hub) Push(n notification.Notification) int {
	f, err := realtime.NewFrame(realtime.FrameNotification, n)
	if err != nil {
		h.logger.Error("encode notification frame", "notification_id", n.ID, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.users[n.Recipient]))
	for c := range h.users[n.Recipient] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	now := time.Now()
	delivered := 0
	for _, c := range targets {
		if !c.enqueue(f) {
			h.logger.Warn("realtime client too slow, frame dropped", "user_id", n.Recipient, "conn_id", c.id)
			continue
		}
		if now.Sub(c.idleSince()) > h.liveWindow {
			h.logger.Debug("realtime client quiet, push not counted", "user_id", n.Recipient, "conn_id", c.id)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Connections returns the number of live connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
