package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ResendTimeout bounds a primary attempt, measured from request start.
const ResendTimeout = 10 * time.Second

// ResendSender sends transactional email through the Resend HTTP API.
type ResendSender struct {
	client  *resend.Client
	timeout time.Duration
	logger  *slog.Logger
}

type ResendOption func(*ResendSender)

// WithResendTimeout overrides the request timeout.
func WithResendTimeout(d time.Duration) ResendOption {
	return func(s *ResendSender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithResendBaseURL points the client at a different API host.
func WithResendBaseURL(raw string) ResendOption {
	return func(s *ResendSender) {
		if s.client == nil || raw == "" {
			return
		}
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		if u, err := url.Parse(raw); err == nil {
			s.client.BaseURL = u
		}
	}
}

func WithResendLogger(l *slog.Logger) ResendOption {
	return func(s *ResendSender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewResendSender creates the primary adapter. An empty apiKey yields a
// sender that always reports Used=false.
func NewResendSender(apiKey string, opts ...ResendOption) *ResendSender {
	s := &ResendSender{
		timeout: ResendTimeout,
		logger:  slog.Default(),
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		s.client = resend.NewCustomClient(httpClient, key)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ResendSender) Channel() Channel { return ChannelResend }

func (s *ResendSender) Budget() time.Duration { return s.timeout }

// Send makes one request. The request context is cancelled when the timeout
// elapses, which aborts the underlying connection.
func (s *ResendSender) Send(ctx context.Context, msg Message) Result {
	if s.client == nil {
		return skipped(ChannelResend, "RESEND_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}

	resp, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("resend request exceeded %s: %w", s.timeout, context.DeadlineExceeded)
		} else {
			err = fmt.Errorf("failed to send email via Resend: %w", err)
		}
		res := failed(ChannelResend, err)
		s.logger.Warn("primary mail attempt failed",
			"channel", ChannelResend, "outcome", res.Outcome, "detail", res.Detail)
		return res
	}

	id := ""
	if resp != nil {
		id = resp.Id
	}
	return sent(ChannelResend, id)
}
