package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sapliy/notification-delivery/internal/config"
	"github.com/sapliy/notification-delivery/internal/mail"
)

// newDispatcher wires Resend as primary and the SMTP relay as secondary. The
// returned func closes the relay pool.
func newDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mail.Dispatcher, func(), error) {
	if cfg.ResendAPIKey == "" && cfg.ResendAPIKeySecretID != "" {
		client, err := config.NewSecretsClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := cfg.ResolveResendKey(ctx, client); err != nil {
			return nil, nil, fmt.Errorf("resolve resend key: %w", err)
		}
	}
	if cfg.ResendAPIKey == "" {
		logger.Warn("RESEND_API_KEY not set; primary mail channel will be skipped")
	}

	resend := mail.NewResendSender(cfg.ResendAPIKey, mail.WithResendLogger(logger))
	pool := mail.NewRelayPool(cfg.Relay())
	relay := mail.NewRelaySender(pool, logger)

	d := mail.NewDispatcher([]mail.Sender{resend, relay},
		mail.WithDefaultFrom(cfg.FromEmail),
		mail.WithLogger(logger),
	)
	return d, pool.Close, nil
}
