package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
service_name = "simgateway"
host_identity = "gw-0"

[database]
driver = "memory"

[retry]
base_delay = "1s"
factor = 2.0
max_delay = "10s"
max_attempts = 5

[codec]
algorithm = "zstd"
compression_threshold = 512
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "gw-0", cfg.HostIdentity)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "zstd", cfg.Codec.Algorithm)
	assert.Equal(t, 512, cfg.Codec.CompressionThreshold)

	// 未在文件中出现的字段取默认值
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, []string{"running", "pending"}, cfg.Health.AcceptableStatuses)
	assert.Equal(t, "dev", cfg.Environment)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APP_HTTP_PORT", "9191")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTP.Port)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig+"\n[http]\nport = 70000\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
service_name = "simgateway"
host_identity = "gw-0"
[database]
driver = "mysql"
`))
	assert.ErrorContains(t, err, "DSN")

	_, err = Load(writeConfig(t, sampleConfig+"\n[breaker]\nhalf_open_max_probes = 3\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)

	cfg, err := LoadWithDefaults(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err, "mysql default requires a DSN")
	assert.Nil(t, cfg)
}
