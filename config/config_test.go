package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/loanbus/storage"
	"github.com/overtonx/loanbus/verification"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://loanbus@localhost/loanbus")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, storage.Postgres, cfg.Dialect())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.Prefetch)
	assert.Equal(t, PublisherAMQP, cfg.Relay.Publisher)
	assert.Equal(t, time.Second, cfg.RelayIntervals().Process)
	assert.Equal(t, int64(2500), cfg.Waterfall.LateFeeCapCents)
	assert.Equal(t, int64(3000), cfg.Waterfall.InterestShareBps)
	assert.Equal(t, int64(1000), cfg.Waterfall.EscrowShareBps)
	assert.Empty(t, cfg.VendorEndpoints())
	assert.Equal(t, verification.DefaultGuardConfig(), cfg.GuardConfig())
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(`
DB_DSN=loanbus:secret@tcp(localhost:3306)/loanbus
DB_DIALECT=mysql
VENDOR_FLOOD_URL=https://flood.example.com/verify
VENDOR_FLOOD_TOKEN=flood-token
SCHEDULER_ETL_TENANTS=tenant-a,tenant-b
WATERFALL_ESCROW_SHARE_BPS=1500
`), 0o600))
	t.Cleanup(func() {
		for _, key := range []string{"DB_DSN", "VENDOR_FLOOD_URL", "VENDOR_FLOOD_TOKEN", "SCHEDULER_ETL_TENANTS", "WATERFALL_ESCROW_SHARE_BPS"} {
			os.Unsetenv(key)
		}
	})
	// already-set variables win over the file
	t.Setenv("DB_DIALECT", "postgres")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, storage.Postgres, cfg.Dialect())
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, cfg.Scheduler.ETLTenants)
	assert.Equal(t, int64(1500), cfg.Waterfall.EscrowShareBps)
	assert.Equal(t, map[verification.Vendor]verification.Endpoint{
		verification.VendorFlood: {URL: "https://flood.example.com/verify", Token: "flood-token"},
	}, cfg.VendorEndpoints())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing dsn", map[string]string{}},
		{"unknown dialect", map[string]string{"DB_DSN": "x", "DB_DIALECT": "oracle"}},
		{"unknown publisher", map[string]string{"DB_DSN": "x", "RELAY_PUBLISHER": "sqs"}},
		{"kafka without brokers", map[string]string{"DB_DSN": "x", "RELAY_PUBLISHER": "kafka"}},
		{"prefetch too high", map[string]string{"DB_DSN": "x", "CONSUMER_PREFETCH": "50"}},
		{"bad duration", map[string]string{"DB_DSN": "x", "MONITOR_INTERVAL": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_DSN", "")
			os.Unsetenv("DB_DSN")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

func TestConfig_Logger(t *testing.T) {
	cfg := &Config{Env: "development", LogLevel: "debug"}
	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	cfg.LogLevel = "loud"
	_, err = cfg.Logger()
	assert.Error(t, err)
}
