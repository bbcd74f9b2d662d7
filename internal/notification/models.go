package notification

import (
	"errors"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusUnread Status = "unread"
	StatusRead   Status = "read"
)

var (
	ErrMissingRecipient = errors.New("recipient is required")
	ErrEmptyMessage     = errors.New("message is required")
	ErrInvalidID        = errors.New("id must be a UUID")
	ErrInvalidEmail     = errors.New("email must be a single valid address")
)

// Notification is one feed entry. It belongs to exactly one recipient.
type Notification struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Message   string    `json:"message"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func (n Notification) Unread() bool {
	return n.Status != StatusRead
}

// PublishRequest is what a producer hands to the Service. A producer that
// retries should resend the same ID.
type PublishRequest struct {
	ID        string `json:"id,omitempty"`
	Recipient string `json:"recipient"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
}

func (r PublishRequest) Validate() error {
	if r.Recipient == "" {
		return ErrMissingRecipient
	}
	if r.Message == "" {
		return ErrEmptyMessage
	}
	if r.ID != "" {
		if _, err := uuid.Parse(r.ID); err != nil {
			return ErrInvalidID
		}
	}
	if r.Email != "" {
		if strings.ContainsAny(r.Email, "\r\n") {
			return ErrInvalidEmail
		}
		if _, err := netmail.ParseAddress(r.Email); err != nil {
			return ErrInvalidEmail
		}
	}
	return nil
}

// MarkReadRequest is the body of PATCH /notifications/mark-read.
type MarkReadRequest struct {
	IDs []string `json:"ids"`
}
