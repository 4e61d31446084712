package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settlement.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  listen: ":9000"
store:
  driver: sqlite
  dsn: /tmp/settlement.db
scheduler:
  sweep_interval: 2m
retry:
  max_attempts: 4
  initial_interval: 10s
judge:
  provider: openai
  model: judge-model
ledger:
  provider: bitcoind
  rpc_url: http://127.0.0.1:8332
  escrow_address: bc1qescrow
  network: testnet
`), 0o600))

	t.Setenv("SETTLEMENT_LISTEN", ":9100")
	t.Setenv("SETTLEMENT_JUDGE_SEED", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9100", cfg.HTTP.Listen, "env wins over file")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.SweepInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.RetryInterval, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.InitialInterval)
	assert.Equal(t, uint64(42), cfg.Judge.Seed)
	assert.Equal(t, "testnet", cfg.Ledger.Network)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("SETTLEMENT_SWEEP_INTERVAL", "soon")
	t.Setenv("SETTLEMENT_WORKERS", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SETTLEMENT_SWEEP_INTERVAL")
	assert.Contains(t, err.Error(), "SETTLEMENT_WORKERS")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.Ledger.Provider = "bitcoind"
	cfg.Lock.Driver = "etcd"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.dsn", "ledger.rpc_url", "lock.driver", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}
