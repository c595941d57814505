package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytesFull(t *testing.T) {
	hclContent := `
log_level = "debug"
state_file = "/tmp/palisade-state.json"

controller {
  url                = "wss://controller.example:8443/agent"
  heartbeat_interval = 5
}

dns {
  min_refresh_interval = 60
}

dhcp {
  enabled   = true
  interface = "eth0"
}

metrics {
  listen = ":9155"
}
`
	cfg, err := LoadBytes("test.hcl", []byte(hclContent))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/palisade-state.json", cfg.StateFile)
	require.NotNil(t, cfg.Controller)
	assert.Equal(t, "wss://controller.example:8443/agent", cfg.Controller.URL)
	assert.Equal(t, 5, cfg.Controller.HeartbeatInterval)
	assert.Equal(t, 60, cfg.DNS.MinRefreshInterval)
	assert.True(t, cfg.DHCP.Enabled)
	assert.Equal(t, ":9155", cfg.Metrics.Listen)
}

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes("test.hcl", []byte(""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/etc/resolv.conf", cfg.ResolverConfig)
	assert.Equal(t, 30, cfg.DNS.MinRefreshInterval)
	assert.Equal(t, 3, cfg.DNS.EvictAfterCycles)
	assert.Nil(t, cfg.Controller)
}

func TestLoadBytesConfigDirVariable(t *testing.T) {
	hclContent := `
state_file = "${config_dir}/state.json"
`
	cfg, err := LoadBytes("/etc/palisade/test.hcl", []byte(hclContent))
	require.NoError(t, err)
	assert.Equal(t, "/etc/palisade/state.json", cfg.StateFile)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	_, err := LoadBytes("test.hcl", []byte(`log_level = "loud"`))
	assert.Error(t, err)
}

func TestValidateRejectsNonWebsocketController(t *testing.T) {
	hclContent := `
controller {
  url = "https://controller.example"
}
`
	_, err := LoadBytes("test.hcl", []byte(hclContent))
	assert.Error(t, err)
}

func TestValidateRejectsDHCPWithoutInterface(t *testing.T) {
	hclContent := `
dhcp {
  enabled = true
}
`
	_, err := LoadBytes("test.hcl", []byte(hclContent))
	assert.Error(t, err)
}
