// Package config loads runtime settings from the environment and an optional
// YAML file through viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/sapliy/notification-delivery/internal/mail"
	"github.com/sapliy/notification-delivery/internal/realtime"
)

type Config struct {
	// client side
	SocketURL  string `mapstructure:"socket_url"`
	SocketPath string `mapstructure:"socket_path"`
	APIURL     string `mapstructure:"api_url"`
	APIToken   string `mapstructure:"api_token"`
	UserID     string `mapstructure:"user_id"`

	// mail
	ResendAPIKey         string `mapstructure:"resend_api_key"`
	ResendAPIKeySecretID string `mapstructure:"resend_api_key_secret_id"`
	FromEmail            string `mapstructure:"from_email"`
	SMTPHost             string `mapstructure:"smtp_host"`
	SMTPPort             string `mapstructure:"smtp_port"`
	SMTPUser             string `mapstructure:"smtp_user"`
	SMTPPass             string `mapstructure:"smtp_pass"`

	// server side
	HTTPAddr           string `mapstructure:"http_addr"`
	DBDSN              string `mapstructure:"db_dsn"`
	RedisURL           string `mapstructure:"redis_url"`
	JWTSecret          string `mapstructure:"jwt_secret"`
	InternalAPIKeyHash string `mapstructure:"internal_api_key_hash"`
	APIKeySecret       string `mapstructure:"api_key_secret"`

	OTLPEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`
	Environment  string `mapstructure:"environment"`
}

var keys = []string{
	"socket_url", "socket_path", "api_url", "api_token", "user_id",
	"resend_api_key", "resend_api_key_secret_id", "from_email",
	"smtp_host", "smtp_port", "smtp_user", "smtp_pass",
	"http_addr", "db_dsn", "redis_url", "jwt_secret",
	"internal_api_key_hash", "api_key_secret",
	"otel_exporter_otlp_endpoint", "environment",
}

// SetDefaults registers defaults and binds every key to its upper-case
// environment variable.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("socket_path", "/realtime")
	v.SetDefault("from_email", "onboarding@resend.dev")
	v.SetDefault("smtp_host", "smtp.gmail.com")
	v.SetDefault("smtp_port", "465")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("environment", "development")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	for _, s := range []*string{&cfg.SocketURL, &cfg.APIURL, &cfg.ResendAPIKey, &cfg.SMTPUser, &cfg.SMTPPass} {
		*s = strings.TrimSpace(*s)
	}
	return cfg, nil
}

// Endpoint is the realtime server address. SOCKET_URL falls back to API_URL.
func (c Config) Endpoint() realtime.Endpoint {
	base := c.SocketURL
	if base == "" {
		base = c.APIURL
	}
	return realtime.Endpoint{BaseURL: base, Path: c.SocketPath}
}

// Relay builds the SMTP pool settings. Missing credentials are not an error
// here; the relay reports them on its first send.
func (c Config) Relay() mail.RelayConfig {
	rc := mail.DefaultRelayConfig()
	if c.SMTPHost != "" {
		rc.Host = c.SMTPHost
	}
	if c.SMTPPort != "" {
		rc.Port = c.SMTPPort
	}
	rc.ImplicitTLS = rc.Port == "465"
	rc.Username = c.SMTPUser
	rc.Password = c.SMTPPass
	return rc
}

var (
	ErrMissingSocketURL = errors.New("SOCKET_URL or API_URL is required")
	ErrMissingDSN       = errors.New("DB_DSN is required")
	ErrMissingJWTSecret = errors.New("JWT_SECRET is required")
)

// ValidateClient checks what the watch command needs.
func (c Config) ValidateClient() error {
	if c.SocketURL == "" && c.APIURL == "" {
		return ErrMissingSocketURL
	}
	return nil
}

// ValidateServer checks what the serve command needs.
func (c Config) ValidateServer() error {
	var errs []error
	if c.DBDSN == "" {
		errs = append(errs, ErrMissingDSN)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	return errors.Join(errs...)
}
