package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RelayConfig describes the SMTP relay and the bounds of its connection pool.
type RelayConfig struct {
	Host     string
	Port     string
	Username string
	Password string

	// ImplicitTLS dials straight into TLS (port 465). Otherwise STARTTLS is
	// negotiated when the server offers it.
	ImplicitTLS bool
	TLSConfig   *tls.Config

	MaxConns           int
	MaxMessagesPerConn int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	SocketTimeout    time.Duration
}

// DefaultRelayConfig returns the pool bounds used in production.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Host:               "smtp.gmail.com",
		Port:               "465",
		ImplicitTLS:        true,
		MaxConns:           2,
		MaxMessagesPerConn: 10,
		ConnectTimeout:     8 * time.Second,
		HandshakeTimeout:   8 * time.Second,
		SocketTimeout:      12 * time.Second,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	d := DefaultRelayConfig()
	if c.Port == "" {
		c.Port = d.Port
	}
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MaxMessagesPerConn <= 0 {
		c.MaxMessagesPerConn = d.MaxMessagesPerConn
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = d.SocketTimeout
	}
	return c
}

func (c RelayConfig) attemptBudget() time.Duration {
	return c.ConnectTimeout + c.HandshakeTimeout + c.SocketTimeout
}

func (c RelayConfig) addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// RelayPool is a bounded set of authenticated SMTP sessions shared by every
// RelaySender in the process. At most MaxConns sessions exist at once and each
// is retired after MaxMessagesPerConn messages.
type RelayPool struct {
	cfg   RelayConfig
	slots chan struct{}

	mu   sync.Mutex
	idle []*relayConn
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

type relayConn struct {
	conn   net.Conn
	client *smtp.Client
	sent   int
}

func NewRelayPool(cfg RelayConfig) *RelayPool {
	cfg = cfg.withDefaults()
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &RelayPool{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConns),
		dial:  d.DialContext,
	}
}

// Config returns the effective configuration.
func (p *RelayPool) Config() RelayConfig { return p.cfg }

func (p *RelayPool) acquire(ctx context.Context) (*relayConn, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		p.mu.Lock()
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		rc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		// Idle sessions may have been dropped by the relay.
		_ = rc.conn.SetDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
		if err := rc.client.Noop(); err == nil {
			return rc, nil
		}
		rc.discard()
	}

	rc, err := p.open(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return rc, nil
}

func (p *RelayPool) release(rc *relayConn, healthy bool) {
	if healthy && rc.sent < p.cfg.MaxMessagesPerConn {
		_ = rc.conn.SetDeadline(time.Time{})
		p.mu.Lock()
		p.idle = append(p.idle, rc)
		p.mu.Unlock()
	} else if healthy {
		rc.quit()
	} else {
		rc.discard()
	}
	<-p.slots
}

func (p *RelayPool) open(ctx context.Context) (*relayConn, error) {
	conn, err := p.dial(ctx, "tcp", p.cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("relay connect: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(p.cfg.HandshakeTimeout))

	tlsConfig := p.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: p.cfg.Host}
	}

	if p.cfg.ImplicitTLS {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("relay tls handshake: %w", err)
		}
		conn = tc
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay greeting: %w", err)
	}

	if !p.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("relay starttls: %w", err)
			}
		}
	}

	if ok, _ := client.Extension("AUTH"); ok {
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("relay auth: %w", err)
		}
	}

	_ = conn.SetDeadline(time.Time{})
	return &relayConn{conn: conn, client: client}, nil
}

// Close terminates idle sessions. In-flight sessions close on release.
func (p *RelayPool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, rc := range idle {
		rc.quit()
	}
}

func (rc *relayConn) quit() {
	_ = rc.conn.SetDeadline(time.Now().Add(time.Second))
	if err := rc.client.Quit(); err != nil {
		rc.client.Close()
	}
}

func (rc *relayConn) discard() {
	rc.client.Close()
}

func (rc *relayConn) deliver(from, to string, body []byte, timeout time.Duration) error {
	_ = rc.conn.SetDeadline(time.Now().Add(timeout))
	if err := rc.client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := rc.client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := rc.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("DATA write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	rc.sent++
	return nil
}

// RelaySender is the secondary adapter: SMTP through a shared RelayPool.
type RelaySender struct {
	pool   *RelayPool
	logger *slog.Logger
}

func NewRelaySender(pool *RelayPool, logger *slog.Logger) *RelaySender {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelaySender{pool: pool, logger: logger}
}

func (s *RelaySender) Channel() Channel { return ChannelRelay }

// Budget is the longest a relay attempt may take: connect, handshake and one
// socket exchange.
func (s *RelaySender) Budget() time.Duration {
	if s.pool == nil {
		return 0
	}
	return s.pool.cfg.attemptBudget()
}

func (s *RelaySender) Send(ctx context.Context, msg Message) Result {
	if s.pool == nil || s.pool.cfg.Host == "" {
		return skipped(ChannelRelay, "relay host not set")
	}
	cfg := s.pool.cfg
	if cfg.Username == "" || cfg.Password == "" {
		res := failed(ChannelRelay, ErrRelayCredentials)
		s.logger.Warn("secondary mail attempt failed", "channel", ChannelRelay, "detail", res.Detail)
		return res
	}

	from := msg.From
	if from == "" {
		from = cfg.Username
	}
	sender, to, err := parseAddresses(from, msg.To)
	if err != nil {
		res := failed(ChannelRelay, err)
		s.logger.Warn("secondary mail attempt failed", "channel", ChannelRelay, "detail", res.Detail)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.attemptBudget())
	defer cancel()

	rc, err := s.pool.acquire(ctx)
	if err != nil {
		res := failed(ChannelRelay, err)
		s.logger.Warn("secondary mail attempt failed", "channel", ChannelRelay, "outcome", res.Outcome, "detail", res.Detail)
		return res
	}

	err = rc.deliver(sender.Address, to.Address, buildMessage(sender, to, msg), cfg.SocketTimeout)
	s.pool.release(rc, err == nil)
	if err != nil {
		res := failed(ChannelRelay, fmt.Errorf("relay send: %w", err))
		s.logger.Warn("secondary mail attempt failed", "channel", ChannelRelay, "outcome", res.Outcome, "detail", res.Detail)
		return res
	}
	return sent(ChannelRelay, cfg.Host)
}

// parseAddresses requires exactly one RFC 5322 address on each side. Headers
// are written from the parsed form only.
func parseAddresses(from, to string) (*netmail.Address, *netmail.Address, error) {
	sender, err := netmail.ParseAddress(from)
	if err != nil {
		return nil, nil, fmt.Errorf("relay sender address %q: %w", from, err)
	}
	rcpt, err := netmail.ParseAddress(to)
	if err != nil {
		return nil, nil, fmt.Errorf("relay recipient address %q: %w", to, err)
	}
	return sender, rcpt, nil
}

func buildMessage(from, to *netmail.Address, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domainOf(from.Address))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return []byte(b.String())
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
