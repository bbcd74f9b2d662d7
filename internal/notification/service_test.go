package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sapliy/notification-delivery/internal/mail"
)

type memStore struct {
	mu    sync.Mutex
	rows  map[string]Notification
	email map[string]string
	err   error
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]Notification{}, email: map[string]string{}}
}

func (m *memStore) Create(ctx context.Context, n Notification, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.rows[n.ID]; ok {
		return false, nil
	}
	m.rows[n.ID] = n
	m.email[n.ID] = email
	return true, nil
}

func (m *memStore) ListByRecipient(ctx context.Context, recipient string, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.rows {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed int64
	for id, n := range m.rows {
		if n.Recipient == recipient && n.Unread() {
			n.Status = StatusRead
			m.rows[id] = n
			changed++
		}
	}
	return changed, nil
}

func (m *memStore) MarkRead(ctx context.Context, recipient string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed int64
	for _, id := range ids {
		if n, ok := m.rows[id]; ok && n.Recipient == recipient && n.Unread() {
			n.Status = StatusRead
			m.rows[id] = n
			changed++
		}
	}
	return changed, nil
}

type fakePusher struct {
	online map[string]int
	pushed []Notification
}

func (p *fakePusher) Push(n Notification) int {
	p.pushed = append(p.pushed, n)
	return p.online[n.Recipient]
}

type fakeMailer struct {
	err  error
	sent []mail.Message
}

func (m *fakeMailer) Send(ctx context.Context, msg mail.Message) (*mail.Dispatch, error) {
	m.sent = append(m.sent, msg)
	if m.err != nil {
		return nil, m.err
	}
	return &mail.Dispatch{Channel: mail.ChannelResend}, nil
}

type memMarker struct {
	claimed  map[string]bool
	err      error
	released []string
}

func (m *memMarker) Claim(ctx context.Context, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.claimed[id] {
		return false, nil
	}
	m.claimed[id] = true
	return true, nil
}

func (m *memMarker) Release(ctx context.Context, id string) error {
	delete(m.claimed, id)
	m.released = append(m.released, id)
	return nil
}

type fixture struct {
	store  *memStore
	pusher *fakePusher
	mailer *fakeMailer
	marker *memMarker
	svc    *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:  newMemStore(),
		pusher: &fakePusher{online: map[string]int{}},
		mailer: &fakeMailer{},
		marker: &memMarker{claimed: map[string]bool{}},
	}
	f.svc = NewService(f.store, f.pusher, f.mailer, f.marker, nil)
	f.svc.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.FixedZone("x", 3600)) }
	return f
}

func TestService_PublishOnlinePushesWithoutMail(t *testing.T) {
	f := newFixture()
	f.pusher.online["user_1"] = 2

	res, err := f.svc.Publish(context.Background(), PublishRequest{Recipient: "user_1", Email: "u@example.com", Message: "Approved"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Pushed != 2 || len(f.mailer.sent) != 0 {
		t.Fatalf("pushed=%d mailed=%d", res.Pushed, len(f.mailer.sent))
	}
	if res.Notification.Status != StatusUnread || res.Notification.CreatedAt.Location() != time.UTC {
		t.Fatalf("unexpected notification %+v", res.Notification)
	}
	if _, ok := f.store.rows[res.Notification.ID]; !ok {
		t.Fatal("notification not stored")
	}
}

func TestService_PublishOfflineMails(t *testing.T) {
	f := newFixture()

	res, err := f.svc.Publish(context.Background(), PublishRequest{
		Recipient: "user_1", Email: " u@example.com ", Name: "Ada", Message: "Your request was approved", Link: "https://app/requests/1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.MailChannel != mail.ChannelResend || len(f.mailer.sent) != 1 {
		t.Fatalf("mail channel=%q sent=%d", res.MailChannel, len(f.mailer.sent))
	}
	msg := f.mailer.sent[0]
	if msg.To != "u@example.com" || msg.Subject != defaultSubject {
		t.Fatalf("message = %+v", msg)
	}
	if !strings.Contains(msg.HTML, "Your request was approved") || !strings.Contains(msg.HTML, "Hi Ada") {
		t.Fatalf("html missing content: %s", msg.HTML)
	}
	if !f.marker.claimed[res.Notification.ID] {
		t.Fatal("marker not claimed")
	}
}

func TestService_PublishMailFailureIsReturned(t *testing.T) {
	f := newFixture()
	cause := &mail.DispatchError{Cause: errors.New("relay: auth failed")}
	f.mailer.err = cause

	res, err := f.svc.Publish(context.Background(), PublishRequest{Recipient: "user_1", Email: "u@example.com", Message: "hi"})
	var dispatchErr *mail.DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if res == nil || !res.Created {
		t.Fatal("stored notification should still be reported")
	}
	if len(f.marker.released) != 1 || f.marker.claimed[res.Notification.ID] {
		t.Fatal("marker should be released after a failed dispatch")
	}
}

func TestService_RetriedPublishDoesNotMailTwice(t *testing.T) {
	f := newFixture()
	req := PublishRequest{ID: "6f1c3c1e-3a4b-4a57-9d59-9a1c2b3d4e5f", Recipient: "user_1", Email: "u@example.com", Message: "hi"}

	if _, err := f.svc.Publish(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.Publish(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || res.MailSkipped != "already mailed" {
		t.Fatalf("retry result %+v", res)
	}
	if len(f.mailer.sent) != 1 || len(f.pusher.pushed) != 1 {
		t.Fatalf("sent=%d pushed=%d", len(f.mailer.sent), len(f.pusher.pushed))
	}
}

func TestService_RetryAfterFailedMailSendsAgain(t *testing.T) {
	f := newFixture()
	req := PublishRequest{ID: "0d7f7d36-5a8e-4f7e-bf51-1f2f0f7c9b11", Recipient: "user_1", Email: "u@example.com", Message: "hi"}

	f.mailer.err = errors.New("both channels down")
	if _, err := f.svc.Publish(context.Background(), req); err == nil {
		t.Fatal("expected failure")
	}
	f.mailer.err = nil
	res, err := f.svc.Publish(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.MailChannel != mail.ChannelResend || len(f.mailer.sent) != 2 {
		t.Fatalf("retry did not mail: %+v", res)
	}
}

func TestService_PublishEdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		req        PublishRequest
		markerErr  error
		wantErr    error
		wantSkip   string
		wantMailed int
	}{
		{name: "missing recipient", req: PublishRequest{Message: "x"}, wantErr: ErrMissingRecipient},
		{name: "empty message", req: PublishRequest{Recipient: "u"}, wantErr: ErrEmptyMessage},
		{name: "bad id", req: PublishRequest{ID: "nope", Recipient: "u", Message: "x"}, wantErr: ErrInvalidID},
		{name: "header injection in email", req: PublishRequest{Recipient: "u", Email: "a@b.io\r\nBcc: x@y.io <a@b.io>", Message: "x"}, wantErr: ErrInvalidEmail},
		{name: "two addresses", req: PublishRequest{Recipient: "u", Email: "a@b.io, c@d.io", Message: "x"}, wantErr: ErrInvalidEmail},
		{name: "not an address", req: PublishRequest{Recipient: "u", Email: "nobody", Message: "x"}, wantErr: ErrInvalidEmail},
		{name: "display name accepted", req: PublishRequest{Recipient: "u", Email: "Ada <ada@example.com>", Message: "x"}, wantMailed: 1},
		{name: "offline without email", req: PublishRequest{Recipient: "u", Message: "x"}, wantSkip: "no email address"},
		{name: "marker down still mails", req: PublishRequest{Recipient: "u", Email: "u@example.com", Message: "x"}, markerErr: errors.New("redis down"), wantMailed: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.marker.err = tt.markerErr

			res, err := f.svc.Publish(context.Background(), tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("publish: %v", err)
			}
			if res.MailSkipped != tt.wantSkip || len(f.mailer.sent) != tt.wantMailed {
				t.Fatalf("skip=%q mailed=%d", res.MailSkipped, len(f.mailer.sent))
			}
		})
	}
}

func TestService_StoreFailure(t *testing.T) {
	f := newFixture()
	f.store.err = errors.New("connection refused")
	f.pusher.online["u"] = 1

	if _, err := f.svc.Publish(context.Background(), PublishRequest{Recipient: "u", Message: "x"}); err == nil {
		t.Fatal("expected store error")
	}
	if len(f.pusher.pushed) != 0 {
		t.Fatal("nothing should be pushed when storing fails")
	}
}

func TestService_MarkReadScopedToRecipient(t *testing.T) {
	f := newFixture()
	a, _ := f.svc.Publish(context.Background(), PublishRequest{Recipient: "alice", Message: "a"})
	b, _ := f.svc.Publish(context.Background(), PublishRequest{Recipient: "bob", Message: "b"})

	n, err := f.svc.MarkRead(context.Background(), "alice", []string{a.Notification.ID, b.Notification.ID})
	if err != nil || n != 1 {
		t.Fatalf("changed=%d err=%v", n, err)
	}
	if f.store.rows[b.Notification.ID].Status != StatusUnread {
		t.Fatal("bob's notification must stay unread")
	}
	n, _ = f.svc.MarkAllRead(context.Background(), "bob")
	if n != 1 {
		t.Fatalf("mark all changed %d", n)
	}
}

func TestRenderEmail_EscapesMessage(t *testing.T) {
	subject, html, err := RenderEmail(PublishRequest{Subject: "Heads up", Message: "<script>x</script>"})
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Heads up" {
		t.Fatalf("subject = %q", subject)
	}
	if strings.Contains(html, "<script>") || !strings.Contains(html, "Hi there") {
		t.Fatalf("unexpected html: %s", html)
	}
}
