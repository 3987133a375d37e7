package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Log:    LogConfig{Level: LogLevelInfo},
		Loader: LoaderConfig{Paths: []string{"/classes/"}},
	}
}

func TestValidate_OK(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())
}

func TestValidate_RejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.Log.Level = "verbose"
	assert.Error(t, c.Validate())
}

func TestValidate_RequiresFilePathWhenFileEnabled(t *testing.T) {
	c := validConfig()
	c.Log.File.Enabled = true
	assert.Error(t, c.Validate())

	c.Log.File.Path = "/var/log/classrepo.log"
	assert.NoError(t, c.Validate())
}

func TestValidate_RequiresAtLeastOnePath(t *testing.T) {
	c := validConfig()
	c.Loader.Paths = nil
	assert.Error(t, c.Validate())
}

func TestLoad_ParsesYAMLAndValidates(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	yamlBody := "log:\n  level: debug\nloader:\n  paths:\n    - /classes/\n    - /lib/\n  metrics_namespace: classrepo\n"
	require.NoError(t, os.WriteFile(p, []byte(yamlBody), 0o600))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, cfg.Log.Level)
	assert.Equal(t, []string{"/classes/", "/lib/"}, cfg.Loader.Paths)
	assert.Equal(t, "classrepo", cfg.Loader.MetricsNamespace)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidConfigIsRejected(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: info\nloader:\n  paths: []\n"), 0o600))

	_, err := Load(p)
	assert.Error(t, err)
}
