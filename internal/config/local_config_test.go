package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadLocalConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
application: trials
actor: alice
database: fieldvault
server: true
server-host: db.internal
server-port: 3307
log-level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))

	cfg := LoadLocalConfig(dir)
	require.Equal(t, "trials", cfg.Application)
	require.Equal(t, "alice", cfg.Actor)
	require.True(t, cfg.Server)
	require.Equal(t, "db.internal", cfg.ServerHost)
	require.Equal(t, 3307, cfg.ServerPort)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadLocalConfigMissingFile(t *testing.T) {
	cfg := LoadLocalConfig(t.TempDir())
	require.NotNil(t, cfg)
	require.Empty(t, cfg.Application)
}

func TestLoadLocalConfigMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{not yaml"), 0o600))
	cfg := LoadLocalConfig(dir)
	require.NotNil(t, cfg)
	require.Empty(t, cfg.Actor)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	content := "application: trials\nactor: alice\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))

	t.Setenv("FV_APP", "registry")
	t.Setenv("FV_ACTOR", "bob")

	cfg := LoadLocalConfigWithEnv(dir)
	require.Equal(t, "registry", cfg.Application)
	require.Equal(t, "bob", cfg.Actor)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &LocalConfig{Application: "trials", Actor: "alice", Database: "fieldvault"}
	require.NoError(t, cfg.Save(dir))

	loaded := LoadLocalConfig(dir)
	require.Equal(t, cfg.Application, loaded.Application)
	require.Equal(t, cfg.Actor, loaded.Actor)
	require.Equal(t, cfg.Database, loaded.Database)
}

func TestResolveActor(t *testing.T) {
	cfg := &LocalConfig{Actor: "alice"}
	require.Equal(t, "bob", cfg.ResolveActor("bob"))
	require.Equal(t, "alice", cfg.ResolveActor(""))

	empty := &LocalConfig{}
	t.Setenv("USER", "carol")
	require.Equal(t, "carol", empty.ResolveActor(""))
}
