package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/marketbus/internal/marketdata/collector"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marketbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "none", cfg.Ingest.Backend)
	assert.Equal(t, []string{"marketdata"}, cfg.Ingest.Channels)
	assert.Equal(t, 256, cfg.Collector.SnapshotBatch)
	assert.Equal(t, 10*time.Millisecond, cfg.Kafka.BatchTimeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
collector:
  store_everything: true
  sticky_period: 5s
  overflow: drop
ingest:
  backend: kafka
  channels: [trades, candles]
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)
	t.Setenv("MARKETBUS_SERVER_ADDR", ":9100")
	t.Setenv("MARKETBUS_COLLECTOR_HISTORY_MAX_RECORDS", "5000")

	cfg, err := Load(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "environment overrides the file")
	assert.Equal(t, []string{"trades", "candles"}, cfg.Ingest.Channels)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)

	cc := cfg.Collector.CollectorOptions()
	assert.True(t, cc.StoreEverything)
	assert.Equal(t, 5*time.Second, cc.StickyPeriod)
	assert.Equal(t, 5000, cc.HistoryMaxRecords)
	assert.Equal(t, collector.OverflowDrop, cc.Overflow)

	assert.Equal(t, "marketbus", cfg.Kafka.GroupID)
	assert.Equal(t, 3, cfg.Redis.MaxRetries)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"Overflow", "collector:\n  overflow: spill\n"},
		{"Backend", "ingest:\n  backend: nats\n"},
		{"LogFormat", "log:\n  format: xml\n"},
		{"NegativeSticky", "collector:\n  sticky_period: -1s\n"},
		{"EmptyAddr", "server:\n  addr: \"\"\n"},
		{"Syntax", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(zaptest.NewLogger(t), writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
