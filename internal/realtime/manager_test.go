package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sapliy/notification-delivery/internal/notification"
)

type emitted struct {
	connID uint64
	frame  Frame
}

type fakeTransport struct {
	events chan Event
	emits  chan emitted

	mu        sync.Mutex
	closed    bool
	failEmits int
	dropped   []uint64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan Event, 16),
		emits:  make(chan emitted, 16),
	}
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Emit(ctx context.Context, connID uint64, fr Frame) error {
	f.mu.Lock()
	if f.failEmits > 0 {
		f.failEmits--
		f.mu.Unlock()
		return errors.New("polling emit: status 503")
	}
	f.mu.Unlock()
	f.emits <- emitted{connID: connID, frame: fr}
	return nil
}

func (f *fakeTransport) Drop(connID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, connID)
}

func (f *fakeTransport) droppedIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.dropped...)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (f *fakeFactory) open(ctx context.Context) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newFakeTransport()
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[len(f.transports)-1]
}

type recordingSink struct {
	mu    sync.Mutex
	items []notification.Notification
	got   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) IngestPush(n notification.Notification) {
	s.mu.Lock()
	s.items = append(s.items, n)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.items))
	for i, n := range s.items {
		out[i] = n.ID
	}
	return out
}

func pushEvent(t *testing.T, connID uint64, id string) Event {
	t.Helper()
	raw, err := json.Marshal(notification.Notification{ID: id, Recipient: "user_1", Message: "hello " + id, Status: notification.StatusUnread})
	if err != nil {
		t.Fatal(err)
	}
	return Event{Type: EventNotification, ConnID: connID, Payload: raw}
}

func waitEmit(t *testing.T, ft *fakeTransport) emitted {
	t.Helper()
	select {
	case e := <-ft.emits:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emit")
		return emitted{}
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestManager_RegistersOncePerConnection(t *testing.T) {
	factory := &fakeFactory{}
	var mu sync.Mutex
	var reconnects []bool
	m := NewManager(factory.open, newRecordingSink(), WithOnRegistered(func(ctx context.Context, reconnect bool) {
		mu.Lock()
		reconnects = append(reconnects, reconnect)
		mu.Unlock()
	}))
	defer m.Stop()

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ft := factory.last()

	ft.events <- Event{Type: EventConnect, ConnID: 1, Transport: "websocket"}
	first := waitEmit(t, ft)
	waitState(t, m, StateRegistered)

	// duplicate connect reports for the same connection do not re-register
	ft.events <- Event{Type: EventConnect, ConnID: 1, Transport: "websocket"}
	ft.events <- Event{Type: EventDisconnect, ConnID: 1, Err: errors.New("reset")}
	ft.events <- Event{Type: EventConnect, ConnID: 2, Transport: "polling"}
	second := waitEmit(t, ft)
	waitState(t, m, StateRegistered)

	select {
	case extra := <-ft.emits:
		t.Fatalf("unexpected extra emit %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	if first.connID != 1 || second.connID != 2 {
		t.Fatalf("register conn ids = %d, %d", first.connID, second.connID)
	}
	for _, e := range []emitted{first, second} {
		var user string
		if e.frame.Event != FrameRegister || json.Unmarshal(e.frame.Data, &user) != nil || user != "user_1" {
			t.Fatalf("unexpected register frame %+v", e.frame)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reconnects) != 2 || reconnects[0] || !reconnects[1] {
		t.Fatalf("onRegistered reconnect flags = %v", reconnects)
	}
}

func TestManager_StartEmptyUserIsNoop(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.open, newRecordingSink())

	for _, id := range []string{"", "   "} {
		if err := m.Start(context.Background(), id); err != nil {
			t.Fatalf("start(%q): %v", id, err)
		}
	}
	if factory.calls() != 0 {
		t.Fatalf("expected no transport, factory called %d times", factory.calls())
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s", m.State())
	}
}

func TestManager_StartSameUserIsIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.open, newRecordingSink())
	defer m.Stop()

	for i := 0; i < 3; i++ {
		if err := m.Start(context.Background(), "user_1"); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if factory.calls() != 1 {
		t.Fatalf("expected one transport, got %d", factory.calls())
	}
}

func TestManager_StartOtherUserReplacesSession(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.open, newRecordingSink())
	defer m.Stop()

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	first := factory.last()
	if err := m.Start(context.Background(), "user_2"); err != nil {
		t.Fatal(err)
	}
	if factory.calls() != 2 {
		t.Fatalf("expected two transports, got %d", factory.calls())
	}
	if !first.isClosed() {
		t.Fatal("previous transport should be closed")
	}
	if m.UserID() != "user_2" {
		t.Fatalf("user = %q", m.UserID())
	}

	second := factory.last()
	second.events <- Event{Type: EventConnect, ConnID: 1}
	e := waitEmit(t, second)
	var user string
	_ = json.Unmarshal(e.frame.Data, &user)
	if user != "user_2" {
		t.Fatalf("registered as %q", user)
	}
}

func TestManager_ForwardsPushesInOrder(t *testing.T) {
	factory := &fakeFactory{}
	sink := newRecordingSink()
	m := NewManager(factory.open, sink)
	defer m.Stop()

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	ft := factory.last()
	ft.events <- Event{Type: EventConnect, ConnID: 1}
	waitEmit(t, ft)

	ft.events <- pushEvent(t, 1, "a")
	ft.events <- Event{Type: EventNotification, ConnID: 1, Payload: json.RawMessage(`{"id":`)}
	ft.events <- Event{Type: EventNotification, ConnID: 1, Payload: json.RawMessage(`null`)}
	ft.events <- pushEvent(t, 1, "b")

	for i := 0; i < 2; i++ {
		select {
		case <-sink.got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for push")
		}
	}
	got := sink.ids()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("pushes = %v", got)
	}
}

func TestManager_StopDetachesBeforeClose(t *testing.T) {
	factory := &fakeFactory{}
	sink := newRecordingSink()
	m := NewManager(factory.open, sink)

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	ft := factory.last()
	ft.events <- Event{Type: EventConnect, ConnID: 1}
	waitEmit(t, ft)

	m.Stop()
	if !ft.isClosed() {
		t.Fatal("transport not closed")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s", m.State())
	}

	// events still in flight after Stop must not reach the sink
	ft.events <- pushEvent(t, 1, "late")
	select {
	case <-sink.got:
		t.Fatal("push delivered after stop")
	case <-time.After(50 * time.Millisecond):
	}

	// stopping twice is harmless
	m.Stop()
}

func TestManager_RegisterFailureDropsConnection(t *testing.T) {
	ft := newFakeTransport()
	ft.failEmits = 1
	m := NewManager(func(ctx context.Context) (Transport, error) { return ft, nil }, newRecordingSink())
	defer m.Stop()

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	ft.events <- Event{Type: EventConnect, ConnID: 1}

	deadline := time.Now().Add(2 * time.Second)
	for len(ft.droppedIDs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ft.droppedIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("dropped = %v, want [1]", got)
	}
	if m.State() == StateRegistered {
		t.Fatal("unregistered connection reported as registered")
	}

	// the transport reconnects and the new connection registers
	ft.events <- Event{Type: EventDisconnect, ConnID: 1}
	ft.events <- Event{Type: EventConnect, ConnID: 2}
	e := waitEmit(t, ft)
	if e.connID != 2 || e.frame.Event != FrameRegister {
		t.Fatalf("register = %+v", e)
	}
	waitState(t, m, StateRegistered)
}

func TestManager_FactoryError(t *testing.T) {
	m := NewManager(func(ctx context.Context) (Transport, error) {
		return nil, errors.New("bad url")
	}, newRecordingSink())

	if err := m.Start(context.Background(), "user_1"); err == nil {
		t.Fatal("expected error")
	}
	if m.State() != StateDisconnected || m.UserID() != "" {
		t.Fatalf("manager should stay idle, state=%s user=%q", m.State(), m.UserID())
	}
}

func TestManager_TransportGivesUp(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.open, newRecordingSink())
	defer m.Stop()

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	ft := factory.last()
	ft.events <- Event{Type: EventConnect, ConnID: 1}
	waitEmit(t, ft)
	close(ft.events)
	waitState(t, m, StateDisconnected)
}

func TestManager_RestartAfterTransportGivesUp(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.open, newRecordingSink())
	defer m.Stop()

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	first := factory.last()
	first.events <- Event{Type: EventConnect, ConnID: 1}
	waitEmit(t, first)
	close(first.events)
	waitState(t, m, StateDisconnected)

	deadline := time.Now().Add(2 * time.Second)
	for !first.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !first.isClosed() {
		t.Fatal("abandoned transport not closed")
	}

	if err := m.Start(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	if factory.calls() != 2 {
		t.Fatalf("factory calls = %d, want 2", factory.calls())
	}
	second := factory.last()
	second.events <- Event{Type: EventConnect, ConnID: 1}
	e := waitEmit(t, second)
	if e.frame.Event != FrameRegister {
		t.Fatalf("frame = %+v", e.frame)
	}
	waitState(t, m, StateRegistered)
}
