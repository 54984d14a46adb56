package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()

	loader := NewLoader("FLOWTEST")
	loader.SetFlowDefaults()

	cfg := &Config{}
	require.NoError(t, loader.Load("", cfg))
	return cfg
}

// TestLoadDefaults tests that a bare loader produces the documented
// defaults.
func TestLoadDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "flowd", cfg.Service.Name)
	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, int32(16), cfg.Database.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.Engine.LockWaitTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.LockPollInterval)
	assert.Equal(t, 100, cfg.Engine.MaxStepsPerTurn)
	assert.Equal(t, 10, cfg.Tracing.BufferSize)
	assert.Equal(t, 1000, cfg.Tracing.CleanupBatchSize)
	assert.Equal(t, 90, cfg.Tracing.AuditRetentionDays)
	assert.Equal(t, 7*24*time.Hour, cfg.Events.OutboxRetention)
	assert.Equal(t, 4, cfg.Events.DeliveryWorkers)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.True(t, cfg.Auth.CSRFEnabled)
}

// TestEnvOverride tests that prefixed environment variables take
// precedence over defaults.
func TestEnvOverride(t *testing.T) {
	t.Setenv("FLOWTEST_SERVER_PORT", "9000")
	t.Setenv("FLOWTEST_DATABASE_HOST", "db.internal")
	t.Setenv("FLOWTEST_ENGINE_LOCK_WAIT_TIMEOUT", "8s")

	cfg := defaultConfig(t)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 8*time.Second, cfg.Engine.LockWaitTimeout)
}

// TestValidateConfig tests the validation rules.
func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "DefaultsValid",
			mutate: func(c *Config) {},
		},
		{
			name:    "BadPort",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "MissingDatabaseName",
			mutate:  func(c *Config) { c.Database.Name = "" },
			wantErr: "database host and name",
		},
		{
			name:    "ZeroLockTimeout",
			mutate:  func(c *Config) { c.Engine.LockWaitTimeout = 0 },
			wantErr: "lock timings",
		},
		{
			name:    "ArchiveWithoutBucket",
			mutate:  func(c *Config) { c.Tracing.Archive.Enabled = true },
			wantErr: "archive bucket",
		},
		{
			name: "SecretsWithoutCredentials",
			mutate: func(c *Config) {
				c.Secrets.Enabled = true
				c.Secrets.ClientID = "id"
			},
			wantErr: "client_id, client_secret and project_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

// TestDatabaseDSN tests DSN assembly.
func TestDatabaseDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "flow",
		Password: "hunter2",
		Name:     "flow",
		SSLMode:  "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=flow password=hunter2 dbname=flow sslmode=disable",
		db.DSN())
}

type mapSource map[string]string

func (m mapSource) Secret(key string) (string, error) {
	value, ok := m[key]
	if !ok {
		return "", assert.AnError
	}
	return value, nil
}

// TestResolveSecrets tests reference substitution across config fields.
func TestResolveSecrets(t *testing.T) {
	t.Run("SubstitutesReferences", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Database.Password = "infisical://DB_PASSWORD"
		cfg.Auth.JWTSecret = "infisical://JWT_SECRET"
		cfg.Redis.Password = "plain-password"

		source := mapSource{
			"DB_PASSWORD": "resolved-db",
			"JWT_SECRET":  "resolved-jwt",
		}

		require.NoError(t, ResolveSecrets(cfg, source))
		assert.Equal(t, "resolved-db", cfg.Database.Password)
		assert.Equal(t, "resolved-jwt", cfg.Auth.JWTSecret)
		assert.Equal(t, "plain-password", cfg.Redis.Password)
	})

	t.Run("MissingKey", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Database.Password = "infisical://NOPE"

		err := ResolveSecrets(cfg, mapSource{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NOPE")
	})

	t.Run("NilSourceWithReference", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Database.Password = "infisical://DB_PASSWORD"

		err := ResolveSecrets(cfg, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires secrets")
	})

	t.Run("NilSourceWithoutReferences", func(t *testing.T) {
		cfg := defaultConfig(t)
		assert.NoError(t, ResolveSecrets(cfg, nil))
	})
}

// TestSecretRefHelpers tests reference detection and key extraction.
func TestSecretRefHelpers(t *testing.T) {
	assert.True(t, IsSecretRef("infisical://KEY"))
	assert.False(t, IsSecretRef("plain"))
	assert.False(t, IsSecretRef(""))

	assert.Equal(t, "KEY", SecretKey("infisical://KEY"))
	assert.Equal(t, "", SecretKey("plain"))
}
