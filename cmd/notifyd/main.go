package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sapliy/notification-delivery/internal/config"
	"github.com/sapliy/notification-delivery/pkg/observability"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "notifyd",
	Short: "Notification delivery service and tools",
	Long: `notifyd serves the notification feed and realtime channel, watches a
user's live feed from the terminal, and sends one-off emails through the
resilient mail dispatcher.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config file %s: %v\n", cfgFile, err)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(viper.GetViper())
}

func newLogger(component string) *slog.Logger {
	logger := observability.NewLogger("notifyd").Logger.With("component", component)
	slog.SetDefault(logger)
	return logger
}

func main() {
	Execute()
}
