package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the slice of the Secrets Manager client we use.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient builds a client from the default AWS credential chain.
func NewSecretsClient(ctx context.Context) (*secretsmanager.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(awsCfg), nil
}

// ResolveResendKey fills ResendAPIKey from Secrets Manager when only the
// secret id is configured. The secret is either the bare key or a JSON
// object holding RESEND_API_KEY.
func (c *Config) ResolveResendKey(ctx context.Context, api SecretsAPI) error {
	if c.ResendAPIKey != "" || c.ResendAPIKeySecretID == "" {
		return nil
	}
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.ResendAPIKeySecretID),
	})
	if err != nil {
		return fmt.Errorf("fetch resend key secret: %w", err)
	}
	raw := strings.TrimSpace(aws.ToString(out.SecretString))
	if strings.HasPrefix(raw, "{") {
		var doc map[string]string
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("decode resend key secret: %w", err)
		}
		raw = strings.TrimSpace(doc["RESEND_API_KEY"])
	}
	c.ResendAPIKey = raw
	return nil
}
