package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const legacyFlat = `
sensor-1:
  network_address: 0x01020304
  network_channel: 5
  authentication_key: "0x000102030405060708090A0B0C0D0E0F"
  encryption_key: "0x101112131415161718191A1B1C1D1E1F"
  method: 0
  uid: "0xAABBCC"
sensor-2:
  network_address: 0x01020304
  network_channel: 5
  authentication_key: "0x000102030405060708090A0B0C0D0E0F"
  encryption_key: "0x101112131415161718191A1B1C1D1E1F"
  method: 0
  uid: "0xDDEEFF"
sensor-3:
  network_address: 0x09090909
  network_channel: 9
  authentication_key: "0x303132333435363738393A3B3C3D3E3F"
  encryption_key: "0x404142434445464748494A4B4C4D4E4F"
  method: 0
  uid: "0x112233"
`

func TestLoadMigratesLegacyFileAndDedupsNetworks(t *testing.T) {
	path := writeTempConfig(t, legacyFlat)

	cfg, err := Load(path)
	require.NoError(t, err)

	// sensor-1 and sensor-2 shared an identical network tuple and must
	// collapse onto a single migrated network.
	require.Len(t, cfg.Networks, 2)

	for _, uid := range [][]byte{{0xAA, 0xBB, 0xCC}, {0xDD, 0xEE, 0xFF}} {
		n, ok := cfg.Lookup(uid)
		require.True(t, ok)
		_ = n
	}
	n1, _ := cfg.Lookup([]byte{0xAA, 0xBB, 0xCC})
	n2, _ := cfg.Lookup([]byte{0xDD, 0xEE, 0xFF})
	require.Same(t, n1.Network, n2.Network)

	n3, ok := cfg.Lookup([]byte{0x11, 0x22, 0x33})
	require.True(t, ok)
	require.NotSame(t, n1.Network, n3.Network)

	// The migration rewrites the live file to V1 in place.
	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	var probe map[string]any
	require.NoError(t, yaml.Unmarshal(rewritten, &probe))
	require.Equal(t, 1, probe["version"])

	// And leaves exactly one timestamped backup of the original behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	backups := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".backup" {
			backups++
		}
	}
	require.Equal(t, 1, backups)
}
