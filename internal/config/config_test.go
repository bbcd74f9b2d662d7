package config

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/viper"
)

func TestLoad_EnvAndDefaults(t *testing.T) {
	t.Setenv("API_URL", "http://localhost:4000")
	t.Setenv("SMTP_USER", " relay@example.com ")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("DB_DSN", "postgres://localhost/notifications")

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}

	if got := cfg.Endpoint().URL(); got != "http://localhost:4000/realtime" {
		t.Fatalf("endpoint = %q", got)
	}
	if cfg.HTTPAddr != ":8080" || cfg.FromEmail != "onboarding@resend.dev" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	rc := cfg.Relay()
	if rc.Host != "smtp.gmail.com" || rc.Port != "587" || rc.ImplicitTLS || rc.Username != "relay@example.com" {
		t.Fatalf("relay = %+v", rc)
	}
	if rc.MaxConns != 2 || rc.MaxMessagesPerConn != 10 {
		t.Fatalf("pool bounds changed: %+v", rc)
	}

	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("client config: %v", err)
	}
	if err := cfg.ValidateServer(); !errors.Is(err, ErrMissingJWTSecret) || errors.Is(err, ErrMissingDSN) {
		t.Fatalf("server validation = %v", err)
	}
}

func TestEndpoint_SocketURLWins(t *testing.T) {
	cfg := Config{SocketURL: "http://rt:5000", APIURL: "http://api:4000", SocketPath: "/ws"}
	if got := cfg.Endpoint().URL(); got != "http://rt:5000/ws" {
		t.Fatalf("endpoint = %q", got)
	}
}

type fakeSecrets struct {
	value string
	err   error
	calls int
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.value)}, nil
}

func TestResolveResendKey(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		secret    *fakeSecrets
		want      string
		wantCalls int
		wantErr   bool
	}{
		{"plain key wins", Config{ResendAPIKey: "re_env", ResendAPIKeySecretID: "id"}, &fakeSecrets{value: "re_secret"}, "re_env", 0, false},
		{"no secret id", Config{}, &fakeSecrets{}, "", 0, false},
		{"bare secret", Config{ResendAPIKeySecretID: "id"}, &fakeSecrets{value: " re_bare\n"}, "re_bare", 1, false},
		{"json secret", Config{ResendAPIKeySecretID: "id"}, &fakeSecrets{value: `{"RESEND_API_KEY":"re_json"}`}, "re_json", 1, false},
		{"lookup fails", Config{ResendAPIKeySecretID: "id"}, &fakeSecrets{err: errors.New("denied")}, "", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.ResolveResendKey(context.Background(), tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if cfg.ResendAPIKey != tt.want || tt.secret.calls != tt.wantCalls {
				t.Fatalf("key=%q calls=%d", cfg.ResendAPIKey, tt.secret.calls)
			}
		})
	}
}
