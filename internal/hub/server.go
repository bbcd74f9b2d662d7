package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sapliy/notification-delivery/internal/realtime"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	maxFrameSize = 4096

	// pollHold is how long a poll waits for frames before returning 204.
	pollHold = 25 * time.Second
	// pollIdle expires polling sessions whose client stopped polling.
	pollIdle = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes a Hub over websocket and long-poll HTTP.
type Server struct {
	hub      *Hub
	pollHold time.Duration
	pollIdle time.Duration

	mu    sync.Mutex
	polls map[string]*Conn
}

func NewServer(h *Hub) *Server {
	return &Server{
		hub:      h,
		pollHold: pollHold,
		pollIdle: pollIdle,
		polls:    make(map[string]*Conn),
	}
}

// ServeHTTP handles the realtime path and its long-poll sub-paths.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}
	switch op := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]; {
	case op == "open" && r.Method == http.MethodPost:
		s.openPoll(w, r)
	case op == "poll" && r.Method == http.MethodGet:
		s.poll(w, r)
	case op == "emit" && r.Method == http.MethodPost:
		s.emit(w, r)
	case op == "close" && r.Method == http.MethodPost:
		s.closePoll(w, r)
	default:
		http.Error(w, "expected websocket upgrade or poll request", http.StatusBadRequest)
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newConn(uuid.NewString(), "websocket")
	s.hub.add(c)

	go s.writePump(ws, c)

	defer func() {
		s.hub.remove(c)
		_ = ws.Close()
	}()
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		c.touch()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f realtime.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		s.hub.handleFrame(c, f)
	}
}

func (s *Server) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(f); err != nil {
				s.hub.remove(c)
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.hub.remove(c)
				_ = ws.Close()
				return
			}
		case <-c.closed:
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) openPoll(w http.ResponseWriter, r *http.Request) {
	c := newConn(uuid.NewString(), "polling")
	s.hub.add(c)
	s.mu.Lock()
	s.polls[c.id] = c
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sid": c.id})
}

func (s *Server) lookup(r *http.Request) *Conn {
	sid := r.URL.Query().Get("sid")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[sid]
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(r)
	if c == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	c.touch()
	defer c.touch()

	timer := time.NewTimer(s.pollHold)
	defer timer.Stop()

	var frames []realtime.Frame
	select {
	case f := <-c.send:
		frames = append(frames, f)
	case <-timer.C:
	case <-c.closed:
		http.Error(w, "session closed", http.StatusNotFound)
		return
	case <-r.Context().Done():
		return
	}
drain:
	for {
		select {
		case f := <-c.send:
			frames = append(frames, f)
		default:
			break drain
		}
	}

	if len(frames) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(frames)
}

func (s *Server) emit(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(r)
	if c == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var f realtime.Frame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&f); err != nil {
		http.Error(w, "invalid frame", http.StatusBadRequest)
		return
	}
	s.hub.handleFrame(c, f)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closePoll(w http.ResponseWriter, r *http.Request) {
	if c := s.lookup(r); c != nil {
		s.dropPoll(c)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dropPoll(c *Conn) {
	s.mu.Lock()
	delete(s.polls, c.id)
	s.mu.Unlock()
	s.hub.remove(c)
}

// Run expires idle polling sessions until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(time.Now())
		}
	}
}

func (s *Server) reap(now time.Time) int {
	s.mu.Lock()
	var stale []*Conn
	for _, c := range s.polls {
		if now.Sub(c.idleSince()) > s.pollIdle {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		s.hub.logger.Info("expiring idle poll session", "conn_id", c.id, "user_id", c.UserID())
		s.dropPoll(c)
	}
	return len(stale)
}
