package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sapliy/notification-delivery/internal/mail"
	"github.com/sapliy/notification-delivery/internal/notification"
	"github.com/sapliy/notification-delivery/pkg/jsonutil"
)

// Notifications is the service behind the HTTP handlers.
type Notifications interface {
	Publish(ctx context.Context, req notification.PublishRequest) (*notification.PublishResult, error)
	List(ctx context.Context, recipient string) ([]notification.Notification, error)
	MarkAllRead(ctx context.Context, recipient string) (int64, error)
	MarkRead(ctx context.Context, recipient string, ids []string) (int64, error)
}

type Handler struct {
	svc    Notifications
	logger *slog.Logger
}

func NewHandler(svc Notifications, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context(), UserID(r.Context()))
	if err != nil {
		h.logger.Error("list notifications", "user_id", UserID(r.Context()), "error", err)
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	if items == nil {
		items = []notification.Notification{}
	}
	jsonutil.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	updated, err := h.svc.MarkAllRead(r.Context(), UserID(r.Context()))
	if err != nil {
		h.logger.Error("mark all read", "user_id", UserID(r.Context()), "error", err)
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to update notifications")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req notification.MarkReadRequest
	if err := jsonutil.DecodeJSON(w, r, &req); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		jsonutil.WriteError(w, http.StatusBadRequest, "ids is required")
		return
	}
	updated, err := h.svc.MarkRead(r.Context(), UserID(r.Context()), req.IDs)
	if err != nil {
		h.logger.Error("mark read", "user_id", UserID(r.Context()), "error", err)
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to update notifications")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

type attemptView struct {
	Channel    mail.Channel `json:"channel"`
	Outcome    mail.Outcome `json:"outcome"`
	StatusCode int          `json:"statusCode,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}

func attemptViews(results []mail.Result) []attemptView {
	out := make([]attemptView, 0, len(results))
	for _, r := range results {
		out = append(out, attemptView{Channel: r.Channel, Outcome: r.Outcome, StatusCode: r.StatusCode, Detail: r.Detail})
	}
	return out
}

func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req notification.PublishRequest
	if err := jsonutil.DecodeJSON(w, r, &req); err != nil {
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Publish(r.Context(), req)
	var dispatchErr *mail.DispatchError
	switch {
	case err == nil:
		jsonutil.WriteJSON(w, http.StatusCreated, res)
	case errors.Is(err, notification.ErrMissingRecipient),
		errors.Is(err, notification.ErrEmptyMessage),
		errors.Is(err, notification.ErrInvalidID),
		errors.Is(err, notification.ErrInvalidEmail):
		jsonutil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dispatchErr):
		body := map[string]any{
			"error":    err.Error(),
			"attempts": attemptViews(dispatchErr.Attempts),
		}
		if res != nil {
			body["notification"] = res.Notification
		}
		jsonutil.WriteJSON(w, http.StatusBadGateway, body)
	default:
		h.logger.Error("publish notification", "error", err)
		jsonutil.WriteError(w, http.StatusInternalServerError, "failed to publish notification")
	}
}
