package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "osd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleConfig = `
server:
  addr: "127.0.0.1:7000"
  max_conns: 64
storage:
  block_size: 131072
  bitmap_granularity: 4096
  disk_alignment: 512
  data_device: "/dev/fake0"
  journal_sector_pool: 16
  immediate_commit: "small"
  disable_journal_fsync: true
throttle:
  flusher_count: 8
  min_flusher_count: 2
  max_flusher_count: 16
  target_iops: 5000
`

func TestLoadConfig_ParsesStructuralAndDynamicSections(t *testing.T) {
	path := writeTestConfig(t, sampleConfig)
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg := loadConfig(v)
	require.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	require.Equal(t, 64, cfg.Server.MaxConns)
	require.EqualValues(t, 131072, cfg.Structural.BlockSize)
	require.EqualValues(t, 16, cfg.Structural.JournalSectorPool)
	require.Equal(t, "small", cfg.Structural.ImmediateCommit)
	require.True(t, cfg.Structural.DisableJournalFsync)
	require.Equal(t, 8, cfg.Dynamic.FlusherCount)
	require.Equal(t, 5000, cfg.Dynamic.ThrottleTargetIOPS)
}

func TestToOptionsMap_RendersStructuralAndDynamicFields(t *testing.T) {
	path := writeTestConfig(t, sampleConfig)
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg := loadConfig(v)

	m := cfg.ToOptionsMap()
	require.Equal(t, "131072", m["block_size"])
	require.Equal(t, "/dev/fake0", m["data_device"])
	require.Equal(t, "16", m["journal_sector_pool"])
	require.Equal(t, "small", m["immediate_commit"])
	require.Equal(t, "true", m["disable_journal_fsync"])
	require.Equal(t, "8", m["flusher_count"])
}

func TestLoadConfig_MissingKeysDefaultToZeroValues(t *testing.T) {
	path := writeTestConfig(t, "storage:\n  data_device: \"/dev/fake0\"\n")
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg := loadConfig(v)
	require.EqualValues(t, 0, cfg.Structural.BlockSize)
	require.False(t, cfg.Structural.Readonly)
	require.Equal(t, 0, cfg.Dynamic.FlusherCount)
}
