package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "data", "fm.db")
	t.Setenv("FLOWMASTER_DB_PATH", db)

	out, err := execute(t, "migrate", "--config", filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, db+" at schema version 1\n", out)
	assert.FileExists(t, db)

	out, err = execute(t, "migrate", "--vacuum", "--config", filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, db+" at schema version 1\n", out, "a second run applies nothing")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatch_retries": 0}`), 0o600))
	t.Setenv("FLOWMASTER_WORKERS", "w1:1234")

	_, err := execute(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch_retries")
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_addr": "127.0.0.1:7001",
		"workers": "w1:1234",
		"pool_size": 4,
		"retry_interval_unit": "2s"
	}`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "w1:1234", cfg.Workers)
	assert.Equal(t, 16, cfg.DispatchPoolSize)

	require.NoError(t, os.WriteFile(path, []byte(`{"pool_size": "four"}`), 0o600))
	_, err = loadConfig(path)
	assert.ErrorContains(t, err, "parse")
}

func TestServeOptionsApply(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		listen     string
		wantListen string
		wantHost   string
	}{
		{"no override", Config{ListenAddr: "m1:5678", Host: "m1:5678"}, "", "m1:5678", "m1:5678"},
		{"derived host follows", Config{ListenAddr: "m1:5678", Host: "m1:5678"}, "m2:7000", "m2:7000", "m2:7000"},
		{"explicit host kept", Config{ListenAddr: "m1:5678", Host: "vip:80"}, "m2:7000", "m2:7000", "vip:80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			serveOptions{listenAddr: tt.listen}.apply(&cfg)
			assert.Equal(t, tt.wantListen, cfg.ListenAddr)
			assert.Equal(t, tt.wantHost, cfg.Host)
		})
	}
}
