package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "invokeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("server", "", "")
	fs.String("queue", "", "")
	fs.String("log-level", "", "")
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	def := DefaultClientConfig()
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, "default", cfg.Queue)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FileEnvAndFlagPrecedence(t *testing.T) {
	path := writeConfig(t, `
server: http://gpu-box:9090/
queue: from-file
timeout: 45s
rate_limit: 2.5
log_level: warn
history_db: ""
`)
	t.Setenv("INVOKEFLOW_QUEUE", "from-env")
	t.Setenv("INVOKEFLOW_MAX_RETRIES", "7")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:9090", cfg.Server, "trailing slash trimmed")
	assert.Equal(t, "from-env", cfg.Queue, "env beats file")
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.InDelta(t, 2.5, cfg.RateLimit, 1e-9)
	assert.Equal(t, "debug", cfg.LogLevel, "flag beats file")
	assert.Empty(t, cfg.HistoryDB)
}

func TestLoad_UnsetFlagsDoNotOverride(t *testing.T) {
	path := writeConfig(t, "server: http://gpu-box:9090\n")
	fs := testFlags()
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:9090", cfg.Server)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestQueueConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Server = "http://gpu-box:9090"
	cfg.Queue = "q2"
	cfg.MaxRetries = 1
	cfg.RateLimit = 0

	qc := cfg.QueueConfig()
	assert.Equal(t, "http://gpu-box:9090", qc.BaseURL)
	assert.Equal(t, "q2", qc.QueueID)
	assert.Equal(t, 1, qc.MaxRetries)
	assert.Zero(t, qc.RequestsPerSecond)
	assert.Equal(t, "/api/v1", qc.APIPrefix)
}
