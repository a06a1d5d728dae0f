package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/errors"
)

// isolate runs the test in an empty directory so no stray tasksync.yaml or
// .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 50, cfg.Sync.HistoryLimit)
	assert.Equal(t, time.Duration(0), cfg.Sync.ClockSkew)
	assert.Equal(t, 30*time.Second, cfg.Network.ProbeInterval)
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Contains(t, cfg.DataDir, "tasksync")
}

func TestLoad_envOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("TASKSYNC_API_BASE_URL", "https://todo.example.com/")
	t.Setenv("TASKSYNC_SYNC_INTERVAL", "90s")
	t.Setenv("TASKSYNC_SYNC_MAX_RETRIES", "5")
	t.Setenv("TASKSYNC_SESSION_ID", "fixed-session")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://todo.example.com", cfg.API.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, "fixed-session", cfg.Session.ID)
}

func TestLoad_yamlFile(t *testing.T) {
	dir := isolate(t)
	body := "data_dir: " + dir + "\nsync:\n  history_limit: 20\n  clock_skew: 2s\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasksync.yaml"), []byte(body), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 20, cfg.Sync.HistoryLimit)
	assert.Equal(t, 2*time.Second, cfg.Sync.ClockSkew)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_envBeatsFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o600))
	t.Setenv("TASKSYNC_SERVER_ADDR", "127.0.0.1:9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Addr)
}

func TestLoad_dotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TASKSYNC_MACHINE_ID=from-dotenv\n"), 0o600))

	// Registers a restore of the current (unset) value, then clears it so
	// godotenv can populate it.
	t.Setenv("TASKSYNC_MACHINE_ID", "")
	require.NoError(t, os.Unsetenv("TASKSYNC_MACHINE_ID"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.MachineID)
}

func TestLoad_missingExplicitFile(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestLoad_invalidValue(t *testing.T) {
	isolate(t)
	t.Setenv("TASKSYNC_SYNC_HISTORY_LIMIT", "0")

	_, err := Load("")
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DataDir: "/tmp/x",
			API:     APIConfig{BaseURL: "http://x", Timeout: time.Second},
			Sync:    SyncConfig{Interval: time.Minute, MaxRetries: 3, HistoryLimit: 50},
			Network: NetworkConfig{ProbeInterval: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"empty base url", func(c *Config) { c.API.BaseURL = "" }, false},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }, false},
		{"negative interval", func(c *Config) { c.Sync.Interval = -time.Second }, false},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }, false},
		{"negative queue size", func(c *Config) { c.Sync.QueueMaxSize = -1 }, false},
		{"negative skew", func(c *Config) { c.Sync.ClockSkew = -time.Second }, false},
		{"zero probe interval", func(c *Config) { c.Network.ProbeInterval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errors.ErrConfig), "got %v", err)
			}
		})
	}
}
