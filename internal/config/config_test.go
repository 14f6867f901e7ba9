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

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEST_DIR", "/mnt/nas/media")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ClientTransmission, cfg.TorrentClient)
	assert.Equal(t, "/mnt/nas/media", cfg.DestDir)
	assert.Equal(t, 720*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, 5*time.Minute, cfg.CycleInterval)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.True(t, cfg.DeleteLocalData)
	assert.True(t, cfg.VerifyChecksum)
	assert.EqualValues(t, 32<<20, cfg.CheckpointBytes)
	assert.False(t, cfg.DryRun)
	assert.False(t, cfg.Once)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
}

func TestLoadConfig_Environment(t *testing.T) {
	setRequired(t)
	t.Setenv("TORRENT_CLIENT", "deluge")
	t.Setenv("DELUGE_BASE_URL", "https://seedbox:8112")
	t.Setenv("RETENTION_WINDOW", "240h")
	t.Setenv("LABEL", "nas")
	t.Setenv("CLIENT_DIR", "/data/downloads")
	t.Setenv("SOURCE_DIR", "/mnt/seedbox")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ClientDeluge, cfg.TorrentClient)
	assert.Equal(t, "https://seedbox:8112", cfg.DelugeBaseURL)
	assert.Equal(t, 240*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, "nas", cfg.Label)
	assert.Equal(t, "/data/downloads", cfg.ClientDir)
	assert.Equal(t, "/mnt/seedbox", cfg.SourceDir)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_FileOverridesEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_PARALLEL", "4")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
label: movies
cycle_interval: 1m
delete_local_data: false
web:
  bind_address: 127.0.0.1:8080
`), 0o600))

	cfg, err := LoadConfig([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "movies", cfg.Label)
	assert.Equal(t, time.Minute, cfg.CycleInterval)
	assert.False(t, cfg.DeleteLocalData)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.Web.ReadTimeout)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, "/mnt/nas/media", cfg.DestDir)
}

func TestLoadConfig_Flags(t *testing.T) {
	setRequired(t)
	t.Setenv("DRY_RUN", "true")

	cfg, err := LoadConfig([]string{"--once"})
	require.NoError(t, err)
	assert.True(t, cfg.Once)
	assert.True(t, cfg.DryRun)

	cfg, err = LoadConfig([]string{"--dry-run=false"})
	require.NoError(t, err)
	assert.False(t, cfg.DryRun)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing config file", func(t *testing.T) {
		setRequired(t)

		_, err := LoadConfig([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Error(t, err)
	})

	t.Run("unknown flag", func(t *testing.T) {
		setRequired(t)

		_, err := LoadConfig([]string{"--bogus"})
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CYCLE_INTERVAL", "often")

		_, err := LoadConfig(nil)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TorrentClient:   ClientTransmission,
			TransmissionURL: "http://localhost:9091/transmission/rpc",
			DestDir:         "/mnt/nas",
			RetentionWindow: time.Hour,
			CycleInterval:   time.Minute,
			MaxParallel:     1,
			CheckpointBytes: 1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing dest", func(c *Config) { c.DestDir = "" }, "DEST_DIR"},
		{"unknown client", func(c *Config) { c.TorrentClient = "qbittorrent" }, "unsupported torrent client"},
		{"deluge without url", func(c *Config) { c.TorrentClient = ClientDeluge }, "DELUGE_BASE_URL"},
		{"zero window", func(c *Config) { c.RetentionWindow = 0 }, "RETENTION_WINDOW"},
		{"zero parallel", func(c *Config) { c.MaxParallel = 0 }, "MAX_PARALLEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
