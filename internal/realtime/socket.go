package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrStaleConn    = errors.New("realtime: connection replaced")
)

// Conn is one physical connection produced by a Dialer. Frames is closed
// when the connection ends; Err then reports why.
type Conn interface {
	Frames() <-chan Frame
	Err() error
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens a Conn using one transport mechanism.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, url string) (Conn, error)
}

// SocketConfig controls negotiation and the reconnect policy.
type SocketConfig struct {
	// DialTimeout bounds one dial attempt on one transport.
	DialTimeout time.Duration
	// InitialDelay and MaxDelay bound the exponential reconnect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxRetries is the number of consecutive failed negotiations tolerated
	// before the socket gives up. Negative means retry forever.
	MaxRetries int
	Logger     *slog.Logger
}

func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		DialTimeout:  20 * time.Second,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		MaxRetries:   20,
	}
}

// Socket is a Transport that negotiates between its dialers in order
// (streaming first, polling second) and reconnects with exponential backoff
// after every drop. It never queues outgoing frames while disconnected.
type Socket struct {
	url     string
	dialers []Dialer
	cfg     SocketConfig
	logger  *slog.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	connID uint64

	closeOnce sync.Once
}

// OpenSocket starts connecting in the background and returns immediately.
func OpenSocket(ctx context.Context, ep Endpoint, dialers []Dialer, cfg SocketConfig) *Socket {
	def := DefaultSocketConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Socket{
		url:     ep.URL(),
		dialers: dialers,
		cfg:     cfg,
		logger:  logger.With("endpoint", ep.URL()),
		events:  make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.run()
	return s
}

// NewSocketFactory returns a TransportFactory that opens a Socket per Start.
func NewSocketFactory(ep Endpoint, dialers []Dialer, cfg SocketConfig) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		if len(dialers) == 0 {
			return nil, errors.New("realtime: no transports configured")
		}
		return OpenSocket(ctx, ep, dialers, cfg), nil
	}
}

func (s *Socket) Events() <-chan Event { return s.events }

// Emit sends f on the connection identified by connID. It fails with
// ErrStaleConn if that connection has since been replaced.
func (s *Socket) Emit(ctx context.Context, connID uint64, f Frame) error {
	s.mu.Lock()
	c, id := s.conn, s.connID
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	if connID != 0 && connID != id {
		return ErrStaleConn
	}
	return c.Send(ctx, f)
}

// Drop closes the connection identified by connID so the run loop reports a
// disconnect and negotiates a fresh one. Replaced connections are ignored.
func (s *Socket) Drop(connID uint64) {
	s.mu.Lock()
	c := s.conn
	if c == nil || s.connID != connID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.logger.Info("realtime connection dropped", "conn_id", connID)
	_ = c.Close()
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		c := s.conn
		s.conn = nil
		s.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
	})
	return nil
}

func (s *Socket) run() {
	defer close(s.events)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialDelay
	b.MaxInterval = s.cfg.MaxDelay
	b.Reset()

	failures := 0
	for s.ctx.Err() == nil {
		conn, name, err := s.negotiate()
		if err != nil {
			failures++
			if s.cfg.MaxRetries >= 0 && failures > s.cfg.MaxRetries {
				s.logger.Error("realtime reconnect attempts exhausted", "attempts", failures, "error", err)
				return
			}
			delay := b.NextBackOff()
			s.logger.Warn("realtime connect failed", "attempt", failures, "retry_in", delay, "error", err)
			if !sleepContext(s.ctx, delay) {
				return
			}
			continue
		}
		failures = 0
		b.Reset()

		id, ok := s.attach(conn)
		if !ok {
			return
		}
		ConnectionsTotal.WithLabelValues(name).Inc()
		s.logger.Info("realtime connected", "transport", name, "conn_id", id)

		if !s.pump(conn, id, name) {
			return
		}

		s.detach(conn)
		if !s.emit(Event{Type: EventDisconnect, ConnID: id, Transport: name, Err: conn.Err()}) {
			return
		}
		s.logger.Warn("realtime disconnected", "transport", name, "conn_id", id, "error", conn.Err())
		if !sleepContext(s.ctx, b.NextBackOff()) {
			return
		}
	}
}

// pump reports the connect and forwards frames until the connection ends.
// It returns false once the socket is closed.
func (s *Socket) pump(conn Conn, id uint64, name string) bool {
	if !s.emit(Event{Type: EventConnect, ConnID: id, Transport: name}) {
		_ = conn.Close()
		return false
	}
	for f := range conn.Frames() {
		if f.Event != FrameNotification {
			continue
		}
		if !s.emit(Event{Type: EventNotification, ConnID: id, Transport: name, Payload: f.Data}) {
			_ = conn.Close()
			return false
		}
	}
	return s.ctx.Err() == nil
}

func (s *Socket) negotiate() (Conn, string, error) {
	var errs []error
	for _, d := range s.dialers {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		conn, err := d.Dial(ctx, s.url)
		cancel()
		if err == nil {
			return conn, d.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		if s.ctx.Err() != nil {
			break
		}
	}
	return nil, "", errors.Join(errs...)
}

func (s *Socket) attach(conn Conn) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return 0, false
	}
	s.connID++
	s.conn = conn
	return s.connID, true
}

func (s *Socket) detach(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Socket) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
