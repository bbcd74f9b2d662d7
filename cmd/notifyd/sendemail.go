package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sapliy/notification-delivery/internal/mail"
)

var (
	emailTo      string
	emailSubject string
	emailHTML    string
)

var sendEmailCmd = &cobra.Command{
	Use:   "send-email",
	Short: "Send one email through the resilient dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSendEmail(cmd.Context())
	},
}

func init() {
	sendEmailCmd.Flags().StringVar(&emailTo, "to", "", "recipient address (required)")
	sendEmailCmd.Flags().StringVar(&emailSubject, "subject", "Test Email from Sapliy", "subject line")
	sendEmailCmd.Flags().StringVar(&emailHTML, "html", "<p>This is a test email to verify mail delivery.</p>", "HTML body")
	_ = sendEmailCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendEmailCmd)
}

func runSendEmail(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger("send-email")

	dispatcher, closeRelay, err := newDispatcher(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer closeRelay()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	d, err := dispatcher.Send(ctx, mail.Message{To: emailTo, Subject: emailSubject, HTML: emailHTML})

	var attempts []mail.Result
	var dispatchErr *mail.DispatchError
	switch {
	case err == nil:
		attempts = d.Attempts
	case errors.As(err, &dispatchErr):
		attempts = dispatchErr.Attempts
	}
	for _, a := range attempts {
		fmt.Printf("  %-7s %-9s %s\n", a.Channel, a.Outcome, a.Detail)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Email sent successfully via %s\n", d.Channel)
	return nil
}
