package mail

import (
	"context"
	"errors"
	"net"
	"time"
)

// Channel identifies a mail delivery mechanism.
type Channel string

const (
	ChannelResend Channel = "resend"
	ChannelRelay  Channel = "relay"
)

// Outcome is the terminal state of a single channel attempt.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
)

var (
	// ErrNotConfigured is reported by a sender whose channel has no credentials at all.
	ErrNotConfigured = errors.New("mail channel not configured")
	// ErrRelayCredentials is reported when the relay is reachable but has no user/password.
	ErrRelayCredentials = errors.New("relay credentials missing")
)

// Message is immutable for the lifetime of a dispatch.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Result is the uniform outcome of one Send call.
//
// Used=false means the channel was skipped and should not be surfaced to the
// end user. Used=true with Sent=false is a configured attempt that failed.
type Result struct {
	Channel    Channel
	Used       bool
	Sent       bool
	Outcome    Outcome
	StatusCode int
	Detail     string
	Err        error
}

// Sender delivers one email over one channel. Implementations make exactly
// one attempt and never return a transport error any other way than through
// the Result.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) Result
}

// Budgeted is implemented by senders that enforce their own deadline. The
// dispatcher waits for that budget plus a grace period before abandoning
// the attempt.
type Budgeted interface {
	Budget() time.Duration
}

func skipped(ch Channel, detail string) Result {
	return Result{Channel: ch, Outcome: OutcomeSkipped, Detail: detail, Err: ErrNotConfigured}
}

func sent(ch Channel, detail string) Result {
	return Result{Channel: ch, Used: true, Sent: true, Outcome: OutcomeSent, Detail: detail}
}

func failed(ch Channel, err error) Result {
	r := Result{Channel: ch, Used: true, Outcome: OutcomeFailed, Err: err}
	if err != nil {
		r.Detail = err.Error()
	}
	if isTimeout(err) {
		r.Outcome = OutcomeTimedOut
	}
	return r
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
