package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sapliy/notification-delivery/pkg/apikey"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Generate a publish API key and the hash to configure on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.APIKeySecret == "" {
			return fmt.Errorf("API_KEY_SECRET is required")
		}
		key, hash, err := apikey.GenerateKey(apikey.Prefix, cfg.APIKeySecret)
		if err != nil {
			return err
		}
		fmt.Printf("X-API-Key:             %s\n", key)
		fmt.Printf("INTERNAL_API_KEY_HASH: %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
}
