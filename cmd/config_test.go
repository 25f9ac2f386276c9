package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
// It returns the temp dir and the buffer that collects all UI output.
func testEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	config.SetDefaults(viper.GetViper())
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "gauntlet.db"))

	serverArg = ""
	configForce = false

	buf := &bytes.Buffer{}
	ui = &output.UI{Out: buf, ErrOut: buf}

	return dir, buf
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir, _ := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gauntlet configuration")
	assert.Contains(t, string(data), "auto_approve: 85")
	assert.Contains(t, string(data), `"manager"`)
}

func TestConfigInit_TemplateRoundTrips(t *testing.T) {
	dir, _ := testEnv(t)
	require.NoError(t, configInitRun())

	// The generated file must parse and reproduce the defaults.
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, v.ReadInConfig())

	cfg := config.FromViper(v)
	def := config.Default()
	assert.Equal(t, def.Thresholds, cfg.Thresholds)
	assert.Equal(t, def.Coordinator.StageTimeout, cfg.Coordinator.StageTimeout)
	assert.Equal(t, def.Escalation.Keywords, cfg.Escalation.Keywords)
	assert.Equal(t, def.Cache.TTL, cfg.Cache.TTL)
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0o644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0o644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gauntlet configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	_, out := testEnv(t)

	require.NoError(t, configShowRun())
	assert.Contains(t, out.String(), "(none)")
	assert.Contains(t, out.String(), "thresholds.auto_approve")
}

func TestConfigShow_WithFileAndEnv(t *testing.T) {
	_, out := testEnv(t)
	require.NoError(t, configInitRun())
	t.Setenv("GAUNTLET_NOTIFY_NATS_URL", "nats://example:4222")

	out.Reset()
	require.NoError(t, configShowRun())
	assert.Contains(t, out.String(), "(file)")
	assert.Contains(t, out.String(), "(env: GAUNTLET_NOTIFY_NATS_URL)")
}

func TestConfigShow_MasksAPIKey(t *testing.T) {
	_, out := testEnv(t)
	viper.Set("anthropic.api_key", "sk-secret")

	require.NoError(t, configShowRun())
	assert.NotContains(t, out.String(), "sk-secret")
	assert.Contains(t, out.String(), "********")
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "echo")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEnvVarFor(t *testing.T) {
	assert.Equal(t, "GAUNTLET_DB_PATH", envVarFor("db_path"))
	assert.Equal(t, "GAUNTLET_COORDINATOR_MAX_CONCURRENT_JOBS", envVarFor("coordinator.max_concurrent_jobs"))
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	t.Setenv("GAUNTLET_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "GAUNTLET_TEST_KEY", fileValues), "env")
	assert.Contains(t, detectSource("key_a", "GAUNTLET_KEY_A_NONEXISTENT", fileValues), "file")
	assert.Contains(t, detectSource("key_b", "GAUNTLET_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	var input map[string]any
	require.NoError(t, yaml.Unmarshal([]byte("top: val\nnested:\n  a: 1\n  b: 2\n"), &input))

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}
