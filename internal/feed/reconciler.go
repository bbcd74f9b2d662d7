// Package feed holds the in-memory notification feed of one user session.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapliy/notification-delivery/internal/notification"
)

var ConfirmationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feed_confirmation_failures_total",
	Help: "Background read confirmations that the server did not accept.",
}, []string{"op"})

// Confirmer tells the server about read transitions already applied locally.
type Confirmer interface {
	MarkAllRead(ctx context.Context) error
	MarkRead(ctx context.Context, ids []string) error
}

// View is a point-in-time copy of the feed.
type View struct {
	Items       []notification.Notification
	UnreadCount int
	FetchErr    error
}

// Reconciler is the single owner of a session's feed. Snapshots, pushes and
// optimistic read marks are all applied under one mutex, in arrival order.
//
// Read state is client-authoritative: MarkRead and MarkAllRead change the
// feed before the server is told, and a failed confirmation is only logged
// and counted. The feed is never rolled back; the next LoadSnapshot is what
// brings it back in line with the server.
type Reconciler struct {
	confirmer      Confirmer
	confirmTimeout time.Duration
	logger         *slog.Logger
	onChange       func(View)

	mu       sync.Mutex
	items    []notification.Notification
	unread   int
	fetchErr error
	closed   bool

	pending sync.WaitGroup
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOnChange registers a listener called with a fresh View after every
// mutation. It runs with the feed locked and must not call back into it.
func WithOnChange(fn func(View)) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.confirmTimeout = d
		}
	}
}

func NewReconciler(confirmer Confirmer, opts ...Option) *Reconciler {
	r := &Reconciler{
		confirmer:      confirmer,
		confirmTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadSnapshot replaces the feed with a server snapshot, newest first, and
// derives the unread counter from the items alone.
func (r *Reconciler) LoadSnapshot(items []notification.Notification) {
	cp := make([]notification.Notification, len(items))
	copy(cp, items)
	sort.SliceStable(cp, func(i, j int) bool {
		return cp[i].CreatedAt.After(cp[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.items = cp
	r.unread = countUnread(cp)
	r.fetchErr = nil
	r.changedLocked()
}

// SetFetchError records a failed snapshot fetch. The feed is left empty and
// the error stays visible until the next successful LoadSnapshot.
func (r *Reconciler) SetFetchError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.items = nil
	r.unread = 0
	r.fetchErr = err
	r.changedLocked()
}

// IngestPush prepends a pushed notification. A push always counts as one
// new unread item, whatever status its payload carries.
func (r *Reconciler) IngestPush(n notification.Notification) {
	n.Status = notification.StatusUnread

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.items = append([]notification.Notification{n}, r.items...)
	r.unread++
	r.changedLocked()
}

// MarkAllRead marks every item read immediately and confirms in the background.
func (r *Reconciler) MarkAllRead(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for i := range r.items {
		r.items[i].Status = notification.StatusRead
	}
	r.unread = 0
	r.changedLocked()
	r.mu.Unlock()

	r.confirm(ctx, "mark_all_read", func(ctx context.Context) error {
		return r.confirmer.MarkAllRead(ctx)
	})
}

// MarkRead marks one unread item read and confirms in the background. It is
// a no-op for unknown or already-read ids. It reports whether the feed changed.
func (r *Reconciler) MarkRead(ctx context.Context, id string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	idx := -1
	for i := range r.items {
		if r.items[i].ID == id && r.items[i].Unread() {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.items[idx].Status = notification.StatusRead
	if r.unread > 0 {
		r.unread--
	}
	r.changedLocked()
	r.mu.Unlock()

	r.confirm(ctx, "mark_read", func(ctx context.Context) error {
		return r.confirmer.MarkRead(ctx, []string{id})
	})
	return true
}

func (r *Reconciler) confirm(ctx context.Context, op string, call func(context.Context) error) {
	if r.confirmer == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			ConfirmationFailures.WithLabelValues(op).Inc()
			r.logger.Warn("read confirmation failed; keeping local state", "op", op, "error", err)
		}
	}()
}

// Wait blocks until every in-flight confirmation has finished.
func (r *Reconciler) Wait() {
	r.pending.Wait()
}

// Close destroys the feed. Later mutations are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.items = nil
	r.unread = 0
	r.fetchErr = nil
	r.mu.Unlock()
	r.pending.Wait()
}

func (r *Reconciler) Items() []notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.Notification, len(r.items))
	copy(out, r.items)
	return out
}

func (r *Reconciler) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

func (r *Reconciler) FetchError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchErr
}

func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Consistent reports whether the counter matches the items.
func (r *Reconciler) Consistent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread == countUnread(r.items)
}

func (r *Reconciler) viewLocked() View {
	items := make([]notification.Notification, len(r.items))
	copy(items, r.items)
	return View{Items: items, UnreadCount: r.unread, FetchErr: r.fetchErr}
}

func (r *Reconciler) changedLocked() {
	if want := countUnread(r.items); want != r.unread {
		r.logger.Warn("unread counter drifted from feed", "counter", r.unread, "items", want)
	}
	if r.onChange != nil {
		r.onChange(r.viewLocked())
	}
}

func countUnread(items []notification.Notification) int {
	n := 0
	for _, it := range items {
		if it.Unread() {
			n++
		}
	}
	return n
}
