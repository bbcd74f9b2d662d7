package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// attemptGrace is added to a sender's own budget before the dispatcher gives
// up waiting for it.
const attemptGrace = 2 * time.Second

// ErrNoChannel is the cause of a failed dispatch in which no sender produced an error.
var ErrNoChannel = errors.New("no mail channel available")

// Dispatch records how one email was delivered.
type Dispatch struct {
	Channel  Channel
	Attempts []Result
}

// DispatchError is returned when every channel was exhausted.
type DispatchError struct {
	Attempts []Result
	Cause    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("mail dispatch failed after %d attempt(s): %v", len(e.Attempts), e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// Dispatcher tries its senders in order, one attempt each, and stops at the
// first one that reports Used && Sent. Attempts are sequential so a healthy
// primary never pays for the secondary's latency.
type Dispatcher struct {
	senders        []Sender
	from           string
	attemptTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

type DispatcherOption func(*Dispatcher)

// WithDefaultFrom sets the sender address used when a Message has none.
func WithDefaultFrom(from string) DispatcherOption {
	return func(d *Dispatcher) { d.from = from }
}

// WithAttemptTimeout caps attempts of senders that do not report a Budget,
// so a sender that ignores its deadline cannot stall the fallback.
func WithAttemptTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.attemptTimeout = t }
}

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDispatcher(senders []Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		senders:        senders,
		attemptTimeout: ResendTimeout + 2*time.Second,
		logger:         slog.Default(),
		tracer:         otel.Tracer("github.com/sapliy/notification-delivery/internal/mail"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers msg over the first channel that accepts it. On terminal
// failure the returned error is a *DispatchError carrying the most
// informative cause: the last attempted channel's error, falling back to
// earlier ones.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (*Dispatch, error) {
	if msg.From == "" {
		msg.From = d.from
	}

	ctx, span := d.tracer.Start(ctx, "mail.dispatch")
	defer span.End()

	out := &Dispatch{}
	for _, s := range d.senders {
		res := d.attempt(ctx, s, msg)
		out.Attempts = append(out.Attempts, res)
		if res.Used && res.Sent {
			out.Channel = res.Channel
			DispatchTotal.WithLabelValues(string(res.Channel)).Inc()
			span.SetAttributes(attribute.String("mail.channel", string(res.Channel)))
			d.logger.Info("mail dispatched", "channel", res.Channel, "to", msg.To, "attempts", len(out.Attempts))
			return out, nil
		}
	}

	err := &DispatchError{Attempts: out.Attempts, Cause: mostInformative(out.Attempts)}
	DispatchTotal.WithLabelValues("failed").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "all channels exhausted")
	d.logger.Error("mail dispatch failed", "to", msg.To, "error", err)
	return out, err
}

func (d *Dispatcher) attempt(ctx context.Context, s Sender, msg Message) Result {
	ctx, span := d.tracer.Start(ctx, "mail.attempt",
		trace.WithAttributes(attribute.String("mail.channel", string(s.Channel()))))
	defer span.End()

	if timeout := d.timeoutFor(s); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan Result, 1)
	go func() { done <- s.Send(ctx, msg) }()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		// The sender did not honour its context; give up on it.
		res = failed(s.Channel(), fmt.Errorf("%s attempt abandoned: %w", s.Channel(), ctx.Err()))
	}
	if res.Channel == "" {
		res.Channel = s.Channel()
	}

	AttemptLatency.WithLabelValues(string(res.Channel)).Observe(time.Since(start).Seconds())
	AttemptsTotal.WithLabelValues(string(res.Channel), string(res.Outcome)).Inc()
	span.SetAttributes(
		attribute.Bool("mail.used", res.Used),
		attribute.String("mail.outcome", string(res.Outcome)),
	)
	if res.Used && !res.Sent {
		span.SetStatus(codes.Error, res.Detail)
	}
	return res
}

func (d *Dispatcher) timeoutFor(s Sender) time.Duration {
	if b, ok := s.(Budgeted); ok {
		if budget := b.Budget(); budget > 0 {
			return budget + attemptGrace
		}
	}
	return d.attemptTimeout
}

func mostInformative(attempts []Result) error {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Err != nil && attempts[i].Used {
			return attempts[i].Err
		}
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Err != nil {
			return attempts[i].Err
		}
	}
	return ErrNoChannel
}
