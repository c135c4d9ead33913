package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "test_config_*.yaml")
	require.NoError(t, err)
	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

// TestLoadConfigCreatesDefault 配置文件不存在时写出默认配置
func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigContent, string(data))

	assert.Equal(t, "urlfilter", cfg.Filtering.Engine)
	assert.Equal(t, 500, cfg.Filtering.DebounceMs)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.True(t, cfg.WebUI.Enabled)
	assert.False(t, cfg.DNS.Enabled)
}

func TestDefaultsForMissingSections(t *testing.T) {
	path := writeTempConfig(t, `
filtering:
  engine: "SIMPLE"
  block_mode: "refuse"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "simple", cfg.Filtering.Engine)
	assert.Equal(t, "refused", cfg.Filtering.BlockMode)
	assert.Equal(t, 5000, cfg.Filtering.MaxDebounceWaitMs)
	assert.Equal(t, 4, cfg.Update.Concurrency)
	assert.Equal(t, 15, cfg.Remote.TimeoutSeconds)
	assert.NotEmpty(t, cfg.Remote.FilterURL)
	assert.Equal(t, cfg.Remote.FilterURL, cfg.Remote.OptimizedFilterURL)
	assert.True(t, cfg.DNS.EnableTCP)
	assert.True(t, cfg.Log.Console)
	assert.True(t, cfg.WebUI.Enabled)
	assert.Equal(t, 16, cfg.Stats.HitsShardCount)
}

func TestExplicitValuesPreserved(t *testing.T) {
	path := writeTempConfig(t, `
webui:
  enabled: false
  listen_port: 9090
dns:
  enable_tcp: false
log:
  console: false
  file: "/tmp/filtersync.log"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.False(t, cfg.WebUI.Enabled)
	assert.Equal(t, 9090, cfg.WebUI.ListenPort)
	assert.False(t, cfg.DNS.EnableTCP)
	assert.False(t, cfg.Log.Console)
	assert.Equal(t, "/tmp/filtersync.log", cfg.Log.File)
}

func TestUpdatePeriod(t *testing.T) {
	tests := []struct {
		name    string
		period  string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty uses per-filter", period: "", want: PeriodPerFilter},
		{name: "default", period: "default", want: PeriodPerFilter},
		{name: "never", period: "never", want: PeriodNever},
		{name: "zero", period: "0", want: PeriodNever},
		{name: "duration", period: "12h", want: 12 * time.Hour},
		{name: "garbage", period: "soon", wantErr: true},
		{name: "negative", period: "-1h", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := UpdateConfig{Period: tt.period}
			got, err := u.PeriodDuration()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvalidPeriodRejected(t *testing.T) {
	_, err := Parse([]byte("update:\n  period: \"weekly\"\n"))
	assert.Error(t, err)
}

func TestMaxDownloadBytes(t *testing.T) {
	r := RemoteConfig{MaxDownloadSize: "50MB"}
	n, err := r.MaxDownloadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(50*1024*1024), n)

	r.MaxDownloadSize = "lots"
	_, err = r.MaxDownloadBytes()
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Parse([]byte(DefaultConfigContent))
	require.NoError(t, err)

	cfg.Update.Period = "6h"
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "6h", loaded.Update.Period)
}
