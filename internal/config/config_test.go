package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simulateDefaults() Config {
	c := Defaults()
	c.Mode = "simulate"
	return c
}

func TestDefaultsValidateInSimulateMode(t *testing.T) {
	c := simulateDefaults()
	require.NoError(t, c.Validate())
}

func TestRelayerModeRequiresVault(t *testing.T) {
	c := Defaults()
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault: passphrase and salt_hex are required")

	c.Vault.Passphrase = "pw"
	c.Vault.SaltHex = "000102030405060708090a0b0c0d0e0f"
	require.NoError(t, c.Validate())
}

func TestValidateTimelockModel(t *testing.T) {
	c := simulateDefaults()
	c.HTLC.SourceTimeout = duration{70 * time.Minute}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_destination_window")

	c = simulateDefaults()
	c.HTLC.TimelockGuard = duration{0}
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timelock_guard")

	c = simulateDefaults()
	c.HTLC.SourceTimeout = duration{72 * time.Hour}
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_timeout")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	c := simulateDefaults()
	c.LogLevel = "loud"
	c.Planner.MinFillRatio = 0
	c.Chains.Destination.Name = c.Chains.Source.Name
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"log_level", "min_fill_ratio", "source and destination must differ"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateRedisNamespace(t *testing.T) {
	c := simulateDefaults()
	c.Redis.Namespace = "relay:eu"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace")

	c.Redis.Enabled = false
	assert.NoError(t, c.Validate(), "namespace is ignored without redis")
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "simulate"

[htlc]
safety_margin = "90m"

[auction]
duration = "45s"
`), 0o600))

	t.Setenv("FUSIONRELAY_AUCTION_START_PREMIUM_BPS", "250")
	t.Setenv("FUSIONRELAY_SERVER_API_KEYS", "a, b ,")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "simulate", c.Mode)
	assert.Equal(t, 90*time.Minute, c.HTLC.SafetyMargin.Duration)
	assert.Equal(t, 45*time.Second, c.Auction.Duration.Duration)
	assert.Equal(t, 250, c.Auction.StartPremiumBps)
	assert.Equal(t, []string{"a", "b"}, c.Server.APIKeys)
	assert.Equal(t, 2*time.Hour, c.HTLC.SourceTimeout.Duration, "unset keys keep defaults")
}

func TestRedactedConfig(t *testing.T) {
	c := Defaults()
	c.Vault.Passphrase = "hunter2"
	c.Postgres.Password = "pg"
	c.Server.APIKeys = []string{"k1"}

	r := RedactedConfig(&c)
	assert.Equal(t, "***", r.Vault.Passphrase)
	assert.Equal(t, "***", r.Postgres.Password)
	assert.Equal(t, []string{"***"}, r.Server.APIKeys)
	assert.Equal(t, "hunter2", c.Vault.Passphrase)
	assert.Equal(t, "k1", c.Server.APIKeys[0])
}
