package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sapliy/notification-delivery/internal/httpapi"
	"github.com/sapliy/notification-delivery/internal/hub"
	"github.com/sapliy/notification-delivery/internal/notification"
	"github.com/sapliy/notification-delivery/pkg/database"
	"github.com/sapliy/notification-delivery/pkg/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification API and realtime server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logger := newLogger("serve")

	shutdownTracer, err := observability.InitTracer(ctx, observability.Config{
		ServiceName:    "notifications",
		ServiceVersion: "0.1.0",
		Endpoint:       cfg.OTLPEndpoint,
		Environment:    cfg.Environment,
	})
	if err != nil {
		logger.Warn("Failed to init tracer", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	db, err := database.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db, notification.Migrations, "migrations"); err != nil {
		return err
	}

	var marker notification.Marker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable; mail hand-off is not deduplicated until it recovers", "error", err)
		}
		marker = notification.NewRedisMarker(rdb)
	} else {
		logger.Warn("REDIS_URL not set; mail hand-off is not deduplicated")
	}

	dispatcher, closeRelay, err := newDispatcher(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer closeRelay()

	h := hub.New(logger)
	rts := hub.NewServer(h)
	go rts.Run(ctx)

	svc := notification.NewService(notification.NewRepository(db), h, dispatcher, marker, logger)
	if cfg.InternalAPIKeyHash == "" {
		logger.Warn("INTERNAL_API_KEY_HASH not set; publish endpoint disabled")
	}
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:      httpapi.NewHandler(svc, logger),
		Verifier:     httpapi.NewTokenVerifier(cfg.JWTSecret),
		Realtime:     rts,
		RealtimePath: cfg.SocketPath,
		APIKeyHash:   cfg.InternalAPIKeyHash,
		APIKeySecret: cfg.APIKeySecret,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Notifications service starting", "addr", cfg.HTTPAddr, "realtime_path", cfg.SocketPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
