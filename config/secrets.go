package config

import (
	"context"
	"fmt"
	"strings"

	infisical "github.com/infisical/go-sdk"
)

// secretScheme marks config values that should be resolved from the
// secret manager, e.g. "infisical://DB_PASSWORD".
const secretScheme = "infisical://"

// IsSecretRef reports whether a config value is a secret reference.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretScheme)
}

// SecretKey extracts the secret key from a reference. Returns an empty
// string for non-references.
func SecretKey(value string) string {
	if !IsSecretRef(value) {
		return ""
	}
	return strings.TrimPrefix(value, secretScheme)
}

// SecretSource fetches secret values by key.
type SecretSource interface {
	Secret(key string) (string, error)
}

// infisicalSource resolves keys against a fetched Infisical environment.
type infisicalSource struct {
	secrets map[string]string
}

func (s *infisicalSource) Secret(key string) (string, error) {
	value, ok := s.secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found in project environment", key)
	}
	return value, nil
}

// NewInfisicalSource authenticates against Infisical with universal auth
// and fetches all secrets of the configured project environment.
func NewInfisicalSource(ctx context.Context, sc SecretsConfig) (SecretSource, error) {
	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          "https://" + sc.Host,
		AutoTokenRefresh: false,
	})

	if _, err := client.Auth().UniversalAuthLogin(sc.ClientID, sc.ClientSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate with infisical: %w", err)
	}

	list, err := client.Secrets().List(infisical.ListSecretsOptions{
		AttachToProcessEnv: false,
		Environment:        sc.Environment,
		ProjectID:          sc.ProjectID,
		SecretPath:         "/",
		IncludeImports:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list infisical secrets: %w", err)
	}

	secrets := make(map[string]string, len(list))
	for _, secret := range list {
		secrets[secret.SecretKey] = secret.SecretValue
	}
	return &infisicalSource{secrets: secrets}, nil
}

// ResolveSecrets substitutes every secret reference in cfg using the
// given source. Fields that are not references are left untouched.
// With a nil source, any remaining reference is an error so that a
// misconfigured deployment fails at startup instead of passing literal
// "infisical://" strings to backends.
func ResolveSecrets(cfg *Config, source SecretSource) error {
	fields := []*string{
		&cfg.Database.Password,
		&cfg.Redis.Password,
		&cfg.RabbitMQ.URL,
		&cfg.Auth.JWTSecret,
		&cfg.Auth.OIDCClientSecret,
		&cfg.Tracing.Archive.AccessKey,
		&cfg.Tracing.Archive.SecretKey,
	}

	for _, field := range fields {
		if !IsSecretRef(*field) {
			continue
		}
		key := SecretKey(*field)
		if source == nil {
			return fmt.Errorf("secret reference %q requires secrets to be enabled", *field)
		}
		value, err := source.Secret(key)
		if err != nil {
			return fmt.Errorf("failed to resolve secret reference %q: %w", *field, err)
		}
		*field = value
	}

	return nil
}
