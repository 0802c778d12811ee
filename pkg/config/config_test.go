package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "relaygw.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAYGW_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "relaygw-node", cfg.AppName)
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Transports, 2)
	assert.Equal(t, "tcp", cfg.Transports[0].Kind)
	assert.Equal(t, "udp", cfg.Transports[1].Kind)
	assert.Equal(t, 10*time.Minute, cfg.Peers.StatsTTL)
	assert.Equal(t, "cbor", cfg.Peers.BookFormat)
	assert.Equal(t, filepath.Join("data", "peers.book"), cfg.BookPath())
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
app_name: edge-1
data_dir: /var/lib/relaygw
log:
  level: DEBUG
  format: json
transports:
  - kind: " TCP "
    port: 15000
  - kind: udp
    host: 127.0.0.1
    port: 15001
    max_packets_per_sec: 500
    read_buffer: 65536
neighbors:
  - address: 10.0.0.2
  - address: udp://10.0.0.3:15001
    match: host
  - address: 10.1.0.1
    match: prefix
    prefix: "10.1."
    can_send: false
relay:
  enable: true
  dedup_size: 100
peers:
  stats_ttl: 90s
  book_format: json
  book_file: /tmp/book.json
metrics:
  enable: true
  listen: ":9100"
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.AppName)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Transports, 2)
	assert.Equal(t, TransportConfig{Kind: "tcp", Port: 15000}, cfg.Transports[0])
	assert.Equal(t, 500, cfg.Transports[1].MaxPacketsPerSec)
	assert.Equal(t, 65536, cfg.Transports[1].ReadBuffer)
	assert.Zero(t, cfg.Transports[1].WriteBuffer)

	require.Len(t, cfg.Neighbors, 3)
	assert.Equal(t, "", cfg.Neighbors[0].Match)
	assert.Nil(t, cfg.Neighbors[0].CanSend)
	assert.Equal(t, "host", cfg.Neighbors[1].Match)
	require.NotNil(t, cfg.Neighbors[2].CanSend)
	assert.False(t, *cfg.Neighbors[2].CanSend)

	assert.True(t, cfg.Relay.Enable)
	assert.Equal(t, 100, cfg.Relay.DedupSize)
	assert.Equal(t, 90*time.Second, cfg.Peers.StatsTTL)
	assert.Equal(t, "/tmp/book.json", cfg.BookPath())
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeConfig(t, "log:\n  level: info\n")
	t.Setenv("RELAYGW_LOG_LEVEL", "warn")
	t.Setenv("RELAYGW_RELAY_ENABLE", "true")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Relay.Enable)
}

func TestLoadConfigEnvPath(t *testing.T) {
	p := writeConfig(t, "app_name: from-env\n")
	t.Setenv("RELAYGW_CONFIG", p)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AppName)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"log level":      "log:\n  level: loud\n",
		"no transports":  "transports: []\n",
		"missing kind":   "transports:\n  - port: 1\n",
		"bad port":       "transports:\n  - kind: tcp\n    port: 70000\n",
		"bad buffer":     "transports:\n  - kind: udp\n    read_buffer: -1\n",
		"empty neighbor": "neighbors:\n  - address: \"\"\n",
		"duplicate":      "neighbors:\n  - address: a\n  - address: a\n",
		"bad match":      "neighbors:\n  - address: a\n    match: regex\n",
		"prefix missing": "neighbors:\n  - address: a\n    match: prefix\n",
		"book format":    "peers:\n  book_format: xml\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "transports: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestMustLoadPanics(t *testing.T) {
	assert.Panics(t, func() { MustLoad(writeConfig(t, "log:\n  level: loud\n")) })
}
