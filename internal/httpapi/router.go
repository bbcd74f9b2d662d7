// Package httpapi exposes the notification feed, the publish endpoint and the
// realtime endpoint over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sapliy/notification-delivery/pkg/jsonutil"
)

type RouterConfig struct {
	Handler      *Handler
	Verifier     *TokenVerifier
	Realtime     http.Handler
	RealtimePath string
	// APIKeyHash and APIKeySecret guard /internal routes. An empty hash
	// leaves the publish endpoint unmounted.
	APIKeyHash   string
	APIKeySecret string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		jsonutil.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "active",
			"service": "notifications",
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	feed := r.PathPrefix("/notifications").Subrouter()
	feed.Use(RequireUser(cfg.Verifier))
	feed.HandleFunc("", cfg.Handler.List).Methods(http.MethodGet)
	feed.HandleFunc("/mark-all-read", cfg.Handler.MarkAllRead).Methods(http.MethodPatch)
	feed.HandleFunc("/mark-read", cfg.Handler.MarkRead).Methods(http.MethodPatch)

	if cfg.APIKeyHash != "" {
		internal := r.PathPrefix("/internal").Subrouter()
		internal.Use(RequireAPIKey(cfg.APIKeyHash, cfg.APIKeySecret))
		internal.HandleFunc("/notifications", cfg.Handler.Publish).Methods(http.MethodPost)
	}

	if cfg.Realtime != nil {
		path := cfg.RealtimePath
		if path == "" {
			path = "/realtime"
		}
		r.Handle(path, cfg.Realtime)
		r.PathPrefix(path + "/").Handler(cfg.Realtime)
	}

	return otelhttp.NewHandler(r, "notifications-request",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/metrics" && req.URL.Path != "/health"
		}),
	)
}
