package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// The server holds a poll open for up to 25s; the client waits a bit longer.
const pollClientTimeout = 40 * time.Second

// PollingDialer is the HTTP long-poll fallback transport.
type PollingDialer struct {
	Client *http.Client
	Header http.Header
}

func NewPollingDialer() *PollingDialer {
	return &PollingDialer{
		Client: &http.Client{
			Timeout:   pollClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *PollingDialer) Name() string { return "polling" }

type openResponse struct {
	SessionID string `json:"sid"`
}

func (d *PollingDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL+"/open", nil)
	if err != nil {
		return nil, err
	}
	for k, v := range d.Header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("polling open: status %d", resp.StatusCode)
	}
	var open openResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("polling open: decode: %w", err)
	}
	if open.SessionID == "" {
		return nil, errors.New("polling open: empty session id")
	}

	pctx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		client: client,
		header: d.Header,
		base:   rawURL,
		sid:    open.SessionID,
		frames: make(chan Frame, 16),
		ctx:    pctx,
		cancel: cancel,
	}
	go c.pollLoop()
	return c, nil
}

type pollConn struct {
	client *http.Client
	header http.Header
	base   string
	sid    string
	frames chan Frame

	ctx    context.Context
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (c *pollConn) Frames() <-chan Frame { return c.frames }

func (c *pollConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *pollConn) endpoint(op string) string {
	return c.base + "/" + op + "?sid=" + url.QueryEscape(c.sid)
}

func (c *pollConn) Send(ctx context.Context, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("emit"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("polling emit: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("polling emit: status %d", resp.StatusCode)
	}
	return nil
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("close"), nil)
		if err != nil {
			return
		}
		if resp, err := c.do(req); err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	})
	return nil
}

func (c *pollConn) do(req *http.Request) (*http.Response, error) {
	for k, v := range c.header {
		req.Header[k] = v
	}
	return c.client.Do(req)
}

func (c *pollConn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *pollConn) pollLoop() {
	defer close(c.frames)
	for {
		frames, err := c.poll()
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(err)
			}
			return
		}
		for _, f := range frames {
			select {
			case c.frames <- f:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *pollConn) poll() ([]Frame, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint("poll"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("polling poll: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var frames []Frame
		if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
			return nil, fmt.Errorf("polling poll: decode: %w", err)
		}
		return frames, nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("polling poll: status %d", resp.StatusCode)
	}
}
