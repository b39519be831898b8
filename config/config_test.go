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
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	// Defaults validate against writable dirs, so point them somewhere safe.
	dir := t.TempDir()
	t.Setenv("FIREBOX_STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("FIREBOX_LOG_DIR", filepath.Join(dir, "log"))

	cfg, err := LoadFrom(filepath.Join(dir, "no-such-config.json"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.GetSocketWait())
	assert.Equal(t, 2*time.Second, cfg.Timeouts.GetShutdownGrace())
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `{
		"paths": {
			"state_dir": "`+filepath.Join(dir, "state")+`",
			"log_dir": "`+filepath.Join(dir, "log")+`"
		},
		"timeouts": {"socket_wait": "3s"}
	}`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.GetSocketWait())
	// Unset fields fall back to defaults.
	assert.Equal(t, 10*time.Second, cfg.Timeouts.GetAPIRequest())
	assert.Equal(t, 2*time.Second, cfg.Timeouts.GetShutdownGrace())
}

func TestLoadFromInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadFromCreatesStateDirs(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "nested", "state")
	path := writeConfig(t, `{
		"paths": {
			"state_dir": "`+stateDir+`",
			"log_dir": "`+filepath.Join(dir, "log")+`"
		}
	}`)

	_, err := LoadFrom(path)
	require.NoError(t, err)
	info, err := os.Stat(stateDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestValidateTimeouts(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		timeouts string
		wantErr  string
	}{
		{"garbage", `{"socket_wait": "soon"}`, "invalid duration"},
		{"negative", `{"socket_wait": "-1s"}`, "must be positive"},
		{"zero", `{"api_request": "0s"}`, "must be positive"},
		{"too large", `{"shutdown_grace": "2h"}`, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `{
				"paths": {
					"state_dir": "`+filepath.Join(dir, "state")+`",
					"log_dir": "`+filepath.Join(dir, "log")+`"
				},
				"timeouts": `+tt.timeouts+`
			}`)
			_, err := LoadFrom(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateFirecrackerPath(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "firecracker")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))

	path := writeConfig(t, `{
		"paths": {
			"state_dir": "`+filepath.Join(dir, "state")+`",
			"log_dir": "`+filepath.Join(dir, "log")+`",
			"firecracker_path": "`+notExec+`"
		}
	}`)
	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")

	require.NoError(t, os.Chmod(notExec, 0o755))
	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, notExec, cfg.FirecrackerBinary())
}

func TestGetCachesAndReset(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `{
		"paths": {
			"state_dir": "`+filepath.Join(dir, "state")+`",
			"log_dir": "`+filepath.Join(dir, "log")+`"
		},
		"timeouts": {"socket_wait": "7s"}
	}`)
	t.Setenv(ConfigEnvVar, path)
	Reset()
	t.Cleanup(Reset)

	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Timeouts.GetSocketWait())

	// Same pointer until Reset.
	cfg2, err := Get()
	require.NoError(t, err)
	assert.Same(t, cfg, cfg2)
}
