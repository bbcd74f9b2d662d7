package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sapliy/notification-delivery/internal/api"
	"github.com/sapliy/notification-delivery/internal/feed"
	"github.com/sapliy/notification-delivery/internal/httpapi"
	"github.com/sapliy/notification-delivery/internal/realtime"
	"github.com/sapliy/notification-delivery/internal/session"
)

var (
	watchUser      string
	watchTransport string
	watchMarkAll   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a user's notification feed live",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchUser, "user", "", "user id to register as (defaults to USER_ID)")
	watchCmd.Flags().StringVar(&watchTransport, "transport", "auto", "auto, websocket or polling")
	watchCmd.Flags().BoolVar(&watchMarkAll, "mark-all-read", false, "mark the feed read once loaded")
	rootCmd.AddCommand(watchCmd)
}

func dialersFor(transport string) ([]realtime.Dialer, error) {
	switch transport {
	case "auto", "":
		return []realtime.Dialer{&realtime.WebSocketDialer{}, realtime.NewPollingDialer()}, nil
	case "websocket":
		return []realtime.Dialer{&realtime.WebSocketDialer{}}, nil
	case "polling":
		return []realtime.Dialer{realtime.NewPollingDialer()}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func runWatch(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	logger := newLogger("watch")

	userID := watchUser
	if userID == "" {
		userID = cfg.UserID
	}
	if userID == "" {
		return fmt.Errorf("a user id is required (--user or USER_ID)")
	}
	token := cfg.APIToken
	if token == "" && cfg.JWTSecret != "" {
		if token, err = httpapi.IssueToken(cfg.JWTSecret, userID, 12*time.Hour); err != nil {
			return err
		}
	}
	dialers, err := dialersFor(watchTransport)
	if err != nil {
		return err
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = cfg.SocketURL
	}
	client := api.NewClient(apiURL, token)
	factory := realtime.NewSocketFactory(cfg.Endpoint(), dialers, realtime.SocketConfig{Logger: logger})

	s := session.New(userID, client, factory,
		session.WithLogger(logger),
		session.WithOnChange(printView),
	)
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	if watchMarkAll {
		s.MarkAllRead(ctx)
	}
	<-ctx.Done()
	return nil
}

func printView(v feed.View) {
	if v.FetchErr != nil {
		fmt.Fprintf(os.Stdout, "[feed unavailable: %v]\n", v.FetchErr)
		return
	}
	fmt.Fprintf(os.Stdout, "unread: %d / %d\n", v.UnreadCount, len(v.Items))
	if len(v.Items) > 0 {
		n := v.Items[0]
		fmt.Fprintf(os.Stdout, "  latest [%s] %s  %s\n", n.Status, n.CreatedAt.Local().Format(time.Kitchen), n.Message)
	}
}
