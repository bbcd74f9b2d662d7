// Package realtime keeps one persistent push connection per user session.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
)

// Frame names on the wire.
const (
	FrameRegister     = "register"
	FrameNotification = "notification"
)

// Frame is the unit exchanged with the server on every transport.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a frame.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

type EventType int

const (
	EventConnect EventType = iota + 1
	EventDisconnect
	EventNotification
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Event is what a Transport reports to its consumer. ConnID increases with
// every new underlying connection.
type Event struct {
	Type      EventType
	ConnID    uint64
	Transport string
	Payload   json.RawMessage
	Err       error
}

// Transport is a self-healing connection: it reports connect and
// disconnect as events and reconnects on its own. Emit targets the
// connection a Connect event reported; zero means whichever is current.
// Drop ends that connection if it is still current, which makes the
// transport report a disconnect and dial again.
type Transport interface {
	Events() <-chan Event
	Emit(ctx context.Context, connID uint64, f Frame) error
	Drop(connID uint64)
	Close() error
}

// TransportFactory opens a fresh Transport. The Manager calls it once per Start.
type TransportFactory func(ctx context.Context) (Transport, error)

// Endpoint is the base address plus path of the realtime server.
type Endpoint struct {
	BaseURL string
	Path    string
}

// URL joins base and path, e.g. http://host:4000 + /realtime.
func (e Endpoint) URL() string {
	base := strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	path := strings.TrimSpace(e.Path)
	if path == "" {
		path = "/realtime"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
