package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecosign/ecocert/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ECOCERT_SERVER_ADDR", "")
	t.Setenv("ECOCERT_LOG_LEVEL", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Custody.Driver)
	assert.Equal(t, 30*time.Second, cfg.Verification.Timeout)
	assert.Empty(t, cfg.Anchor.LedgerURL, "offline by default")
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecocert.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
log:
  level: debug
  format: text
verification:
  timeout: 45s
  pinned_keys:
    notary-1: "aa"
timestamp:
  service_url: https://tsa.example/validate
  authority_keys:
    tsa-1: "bb"
  remote:
    max_attempts: 5
    timeout: 2s
anchor:
  ledger_url: https://ledger.example
cache:
  redis_addr: localhost:6379
  ttl: 1h
custody:
  driver: postgres
  dsn: postgres://ecocert@localhost/ecocert
`), 0o600))

	t.Setenv("ECOCERT_ANCHOR_LEDGER_URL", "https://ledger.internal")
	t.Setenv("ECOCERT_TELEMETRY_ENABLED", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 45*time.Second, cfg.Verification.Timeout)
	assert.Equal(t, "aa", cfg.Verification.PinnedKeys["notary-1"])
	assert.Equal(t, "bb", cfg.Timestamp.AuthorityKeys["tsa-1"])
	assert.EqualValues(t, 5, cfg.Timestamp.Remote.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Timestamp.Remote.Timeout)
	assert.Equal(t, "https://ledger.internal", cfg.Anchor.LedgerURL)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "postgres", cfg.Custody.Driver)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := config.Load(write("unknown.yaml", "serverr:\n  addr: x\n"))
	assert.Error(t, err)

	_, err = config.Load(write("driver.yaml", "custody:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "custody.driver")

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(write("budget.yaml", `
verification:
  timeout: 5s
anchor:
  ledger_url: https://ledger.example
`))
	assert.ErrorContains(t, err, "anchor remote budget")

	_, err = config.Load(write("offline.yaml", "verification:\n  timeout: 5s\n"))
	assert.NoError(t, err, "remote budgets only bind configured services")

	t.Setenv("ECOCERT_VERIFY_TIMEOUT", "soon")
	_, err = config.Load("")
	assert.ErrorContains(t, err, "ECOCERT_VERIFY_TIMEOUT")
}
