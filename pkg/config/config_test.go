package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())

	assert.Equal(t, uint64(10_000_000_000), cfg.Ledger.MaxSupply)
	assert.Equal(t, uint64(1_000), cfg.Ledger.MinStake)
	assert.Equal(t, uint64(1250), cfg.Ledger.StakeAPYBps)
	assert.Equal(t, 7*24*time.Hour, cfg.Ledger.UnstakeCooldown)

	assert.Equal(t, uint32(5000), cfg.Registry.InitialReputation)
	assert.Equal(t, uint32(7000), cfg.Registry.InitialEfficiency)
	assert.Equal(t, 10, cfg.Registry.MaxNodesPerOwner)

	assert.Equal(t, 100, cfg.DAG.BatchSize)
	assert.Equal(t, uint32(70), cfg.DAG.AlertThreshold)
	assert.Contains(t, cfg.DAG.SensitiveSelectors, "a9059cbb")

	assert.Equal(t, 3, cfg.Consensus.ConfirmationThreshold)
	assert.Equal(t, "u2u-nebulas", cfg.Consensus.SourceLedger)

	assert.Equal(t, uint64(1000), cfg.Reward.XPPerLevel)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
environment: production
log_level: warn
ledger:
  max_supply: 5000000
  min_stake: 250
consensus:
  confirmation_threshold: 5
  target_ledgers:
    - ethereum
    - polygon
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, uint64(5_000_000), cfg.Ledger.MaxSupply)
	assert.Equal(t, uint64(250), cfg.Ledger.MinStake)
	assert.Equal(t, 5, cfg.Consensus.ConfirmationThreshold)
	assert.Equal(t, []string{"ethereum", "polygon"}, cfg.Consensus.TargetLedgers)

	// Unset sections keep defaults
	assert.Equal(t, 100, cfg.DAG.BatchSize)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		return cfg
	}

	t.Run("valid defaults", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("zero max supply", func(t *testing.T) {
		cfg := base()
		cfg.Ledger.MaxSupply = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("min stake above supply", func(t *testing.T) {
		cfg := base()
		cfg.Ledger.MinStake = cfg.Ledger.MaxSupply + 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("reputation out of range", func(t *testing.T) {
		cfg := base()
		cfg.Registry.InitialReputation = 10001
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad batch size", func(t *testing.T) {
		cfg := base()
		cfg.DAG.BatchSize = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("alert threshold over 100", func(t *testing.T) {
		cfg := base()
		cfg.DAG.AlertThreshold = 101
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero confirmation threshold", func(t *testing.T) {
		cfg := base()
		cfg.Consensus.ConfirmationThreshold = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad api port", func(t *testing.T) {
		cfg := base()
		cfg.API.Port = 70000
		assert.Error(t, cfg.Validate())
	})
}

func TestGetLogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	assert.Equal(t, "debug", cfg.GetLogLevel().String())

	cfg.LogLevel = "nonsense"
	assert.Equal(t, "info", cfg.GetLogLevel().String())
}
