package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 4096, cfg.Stack.ARPTableSize)
	assert.Equal(t, 100, cfg.Stack.AddressTableSize)
	assert.Equal(t, 30, cfg.Stack.RouteTableSize)
	assert.Equal(t, 300*time.Second, cfg.Stack.ARPEntryTTL)
	assert.Equal(t, 3*time.Second, cfg.Stack.ResolveTimeout)
	assert.Equal(t, 10*time.Microsecond, cfg.Stack.PollInterval)
	assert.Equal(t, 5, cfg.Stack.EchoCount)
	assert.Equal(t, 180, cfg.Stack.RxBufferFrames)
	assert.Equal(t, 128, cfg.Stack.DefaultTTL)
	assert.Empty(t, cfg.Adapters)
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
stack:
  route_table_size: 8
  resolve_timeout: 500ms
adapters:
  - driver: tap
    device: tap0
    address: 10.0.0.1
    mask: 255.255.255.0
    host_address: 10.0.0.2/24
  - name: nic1
    driver: e1000
    resource: /sys/bus/pci/devices/0000:00:03.0/resource0
routes:
  - destination: 0.0.0.0
    mask: 0.0.0.0
    gateway: 10.0.0.254
    device: 0
pcap:
  path: /tmp/knet.pcap
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Stack.RouteTableSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Stack.ResolveTimeout)
	assert.Equal(t, 4096, cfg.Stack.ARPTableSize, "unset keys keep their defaults")

	require.Len(t, cfg.Adapters, 2)
	assert.Equal(t, "eth0", cfg.Adapters[0].Name)
	assert.Equal(t, "tap0", cfg.Adapters[0].Device)
	assert.Equal(t, "nic1", cfg.Adapters[1].Name)
	assert.Equal(t, time.Second, cfg.Adapters[1].ResetTimeout)

	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "10.0.0.254", cfg.Routes[0].Gateway)
	assert.Equal(t, "/tmp/knet.pcap", cfg.Pcap.Path)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	t.Setenv("KNET_LOG_LEVEL", "warn")
	t.Setenv("KNET_STACK_ECHO_COUNT", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Stack.EchoCount)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"bad level":           "log:\n  level: loud\n",
		"bad format":          "log:\n  format: xml\n",
		"zero table":          "stack:\n  arp_table_size: 0\n",
		"zero poll interval":  "stack:\n  poll_interval: 0s\n",
		"unknown driver":      "adapters:\n  - driver: virtio\n",
		"e1000 no resource":   "adapters:\n  - driver: e1000\n",
		"bad address":         "adapters:\n  - driver: channel\n    address: 10.0.0\n    mask: 255.0.0.0\n",
		"noncontiguous mask":  "adapters:\n  - driver: channel\n    address: 10.0.0.1\n    mask: 255.0.255.0\n",
		"route unknown nic":   "routes:\n  - {destination: 0.0.0.0, mask: 0.0.0.0, gateway: 10.0.0.1, device: 3}\n",
		"route bad gateway":   "adapters:\n  - driver: channel\nroutes:\n  - {destination: 0.0.0.0, mask: 0.0.0.0, gateway: x, device: 0}\n",
		"ttl out of range":    "stack:\n  default_ttl: 300\n",
		"negative arp ttl":    "stack:\n  arp_entry_ttl: -1s\n",
		"bad channel mac":     "adapters:\n  - driver: channel\n    mac: zz:00:00:00:00:00\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
