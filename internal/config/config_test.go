package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, "postgres:\n  dsn: \"host=db\"\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Gateways.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Intermediary.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.StaleAfter)
	assert.Equal(t, 10*time.Minute, cfg.OAuth.StateTTL)
	assert.True(t, cfg.Intermediary.AdminFeeAmount().Equal(decimal.RequireFromString("0.75")))
	assert.True(t, cfg.Transfer.MaxAmountValue().Equal(decimal.NewFromInt(10000)))
	assert.False(t, cfg.Webhooks.Relaxed)
}

func TestIdempotencyLockTTL_OutlivesTransfer(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateways:\n  timeout: 10s\nintermediary:\n  timeout: 10s\n"))
	require.NoError(t, err)

	assert.Equal(t, 70*time.Second, cfg.TransferBudget())
	assert.Equal(t, 100*time.Second, cfg.IdempotencyLockTTL())
	assert.Greater(t, cfg.IdempotencyLockTTL(), cfg.TransferBudget())
}

func TestLoad_YAMLValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9090
gateways:
  sandbox: true
  timeout: 3s
intermediary:
  admin_fee: "1.10"
monitor:
  stale_after: 2h
webhooks:
  secrets:
    WISE: wise-secret
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Gateways.Sandbox)
	assert.Equal(t, 3*time.Second, cfg.Gateways.Timeout)
	assert.Equal(t, "1.1", cfg.Intermediary.AdminFeeAmount().String())
	assert.Equal(t, 2*time.Hour, cfg.Monitor.StaleAfter)
	assert.Equal(t, "wise-secret", cfg.Webhooks.Secrets["WISE"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("WEBHOOK_VERIFY_RELAXED", "true")
	t.Setenv("WEBHOOK_SECRET_paypal", "pp-secret")
	t.Setenv("RAPYD_ACCESS_KEY", "ak")

	cfg, err := Load(writeConfig(t, "postgres:\n  dsn: \"host=db\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "host=db password=s3cret", cfg.Postgres.DSN)
	assert.True(t, cfg.Webhooks.Relaxed)
	assert.Equal(t, "pp-secret", cfg.Webhooks.Secrets["PAYPAL"])
	assert.Equal(t, "ak", cfg.Intermediary.AccessKey)
}

func TestLoad_RelaxedRequiresExplicitTrue(t *testing.T) {
	t.Setenv("WEBHOOK_VERIFY_RELAXED", "yes")

	cfg, err := Load(writeConfig(t, "webhooks:\n  relaxed: true\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Webhooks.Relaxed)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
