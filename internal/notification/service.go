package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sapliy/notification-delivery/internal/mail"
)

// Pusher delivers a notification to the recipient's live connections.
type Pusher interface {
	Push(n Notification) int
}

// Mailer is the offline fallback.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) (*mail.Dispatch, error)
}

// PublishResult describes where a published notification went.
type PublishResult struct {
	Notification Notification  `json:"notification"`
	Created      bool          `json:"created"`
	Pushed       int           `json:"pushed"`
	MailChannel  mail.Channel  `json:"mailChannel,omitempty"`
	MailSkipped  string        `json:"mailSkipped,omitempty"`
	Attempts     []mail.Result `json:"-"`
}

// Service persists notifications, pushes them to online recipients and
// mails offline ones.
type Service struct {
	store  Store
	pusher Pusher
	mailer Mailer
	marker Marker
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, pusher Pusher, mailer Mailer, marker Marker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		pusher: pusher,
		mailer: mailer,
		marker: marker,
		logger: logger,
		now:    time.Now,
	}
}

// Publish stores the notification and delivers it. A terminal mail failure is
// returned alongside the partial result.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	n := Notification{
		ID:        id,
		Recipient: req.Recipient,
		Message:   req.Message,
		Status:    StatusUnread,
		CreatedAt: s.now().UTC(),
	}

	created, err := s.store.Create(ctx, n, req.Email)
	if err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}
	res := &PublishResult{Notification: n, Created: created}
	logger := s.logger.With("notification_id", n.ID, "user_id", n.Recipient)

	if created && s.pusher != nil {
		res.Pushed = s.pusher.Push(n)
	}
	if res.Pushed > 0 {
		logger.Info("notification pushed", "connections", res.Pushed)
		return res, nil
	}

	if req.Email == "" {
		res.MailSkipped = "no email address"
		logger.Info("recipient offline without email; stored only")
		return res, nil
	}
	if s.mailer == nil {
		res.MailSkipped = "mail disabled"
		return res, nil
	}

	if s.marker != nil {
		claimed, err := s.marker.Claim(ctx, n.ID)
		switch {
		case err != nil:
			// at-least-once: mail anyway when the marker store is down
			logger.Warn("mail marker unavailable", "error", err)
		case !claimed:
			res.MailSkipped = "already mailed"
			logger.Info("notification already mailed")
			return res, nil
		}
	}

	subject, html, err := RenderEmail(req)
	if err != nil {
		s.release(ctx, n.ID, logger)
		return res, err
	}
	dispatch, err := s.mailer.Send(ctx, mail.Message{To: req.Email, Subject: subject, HTML: html})
	if err != nil {
		s.release(ctx, n.ID, logger)
		logger.Error("notification mail failed", "error", err)
		return res, fmt.Errorf("mail notification %s: %w", n.ID, err)
	}
	res.MailChannel = dispatch.Channel
	res.Attempts = dispatch.Attempts
	logger.Info("notification mailed", "channel", dispatch.Channel)
	return res, nil
}

func (s *Service) release(ctx context.Context, id string, logger *slog.Logger) {
	if s.marker == nil {
		return
	}
	if err := s.marker.Release(context.WithoutCancel(ctx), id); err != nil {
		logger.Warn("release mail marker", "error", err)
	}
}

func (s *Service) List(ctx context.Context, recipient string) ([]Notification, error) {
	return s.store.ListByRecipient(ctx, recipient, 100)
}

func (s *Service) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	return s.store.MarkAllRead(ctx, recipient)
}

func (s *Service) MarkRead(ctx context.Context, recipient string, ids []string) (int64, error) {
	return s.store.MarkRead(ctx, recipient, ids)
}
