// Package session ties a user's feed to its realtime connection.
package session

import (
	"context"
	"log/slog"

	"github.com/sapliy/notification-delivery/internal/feed"
	"github.com/sapliy/notification-delivery/internal/notification"
	"github.com/sapliy/notification-delivery/internal/realtime"
)

// Backend is the feed API as the session needs it.
type Backend interface {
	ListNotifications(ctx context.Context) ([]notification.Notification, error)
	feed.Confirmer
}

type Option func(*options)

type options struct {
	logger   *slog.Logger
	onChange func(feed.View)
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnChange is forwarded to the feed.
func WithOnChange(fn func(feed.View)) Option {
	return func(o *options) { o.onChange = fn }
}

// Session owns one feed and one realtime manager for a single signed-in user.
// After every reconnect it reloads the snapshot so pushes missed while
// offline are picked up.
type Session struct {
	userID  string
	backend Backend
	feed    *feed.Reconciler
	manager *realtime.Manager
	logger  *slog.Logger
}

func New(userID string, backend Backend, factory realtime.TransportFactory, opts ...Option) *Session {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("user_id", userID)

	s := &Session{
		userID:  userID,
		backend: backend,
		logger:  logger,
	}
	s.feed = feed.NewReconciler(backend, feed.WithLogger(logger), feed.WithOnChange(o.onChange))
	s.manager = realtime.NewManager(factory, s.feed,
		realtime.WithManagerLogger(logger),
		realtime.WithOnRegistered(func(ctx context.Context, reconnect bool) {
			if reconnect {
				s.Refresh(ctx)
			}
		}),
	)
	return s
}

// Start loads the snapshot and opens the realtime connection. A failed fetch
// is recorded on the feed and does not prevent the connection.
func (s *Session) Start(ctx context.Context) error {
	s.Refresh(ctx)
	return s.manager.Start(ctx, s.userID)
}

// Refresh replaces the feed with the server's current list.
func (s *Session) Refresh(ctx context.Context) {
	items, err := s.backend.ListNotifications(ctx)
	if err != nil {
		s.logger.Warn("notification fetch failed", "error", err)
		s.feed.SetFetchError(err)
		return
	}
	s.feed.LoadSnapshot(items)
}

func (s *Session) Stop() {
	s.manager.Stop()
	s.feed.Wait()
	s.feed.Close()
}

func (s *Session) Feed() *feed.Reconciler { return s.feed }

func (s *Session) State() realtime.State { return s.manager.State() }

func (s *Session) MarkRead(ctx context.Context, id string) bool {
	return s.feed.MarkRead(ctx, id)
}

func (s *Session) MarkAllRead(ctx context.Context) {
	s.feed.MarkAllRead(ctx)
}
