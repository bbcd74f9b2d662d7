package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadWait  = 60 * time.Second
	wsWriteWait = 10 * time.Second
)

// WebSocketDialer is the preferred streaming transport.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d *WebSocketDialer) Name() string { return "websocket" }

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	target := toWebSocketURL(rawURL)
	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}

	c := &wsConn{
		conn:   conn,
		frames: make(chan Frame, 16),
		closed: make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})
	go c.readLoop()
	return c, nil
}

func toWebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

type wsConn struct {
	conn   *websocket.Conn
	frames chan Frame
	closed chan struct{}

	wmu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (c *wsConn) Frames() <-chan Frame { return c.frames }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) Send(ctx context.Context, f Frame) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteWait)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		select {
		case c.frames <- f:
		case <-c.closed:
			return
		}
	}
}
