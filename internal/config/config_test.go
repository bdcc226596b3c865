package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config."+env+".yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load([]string{"--config-dir", t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "release", cfg.Mode)
	require.Equal(t, 8090, cfg.Port)
	require.Equal(t, 54*time.Second, cfg.PingPeriod)
	require.True(t, cfg.Capture.Loop)
	require.Equal(t, 5, cfg.JoinRate.Limit)
	require.Equal(t, 10*time.Second, cfg.JoinRate.Interval)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 50, cfg.RecordFailureLimit)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := writeConfig(t, "test", `
mode: debug
room: R1
signal_url: ws://file/signal
user:
  id: u1
  name: alice
ice_servers:
  - stun:one
  - stun:two
capture:
  audio_file: a.ogg
  loop: false
record_dir: rec
record_failure_limit: 3
`)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("VOICE_SIGNAL_URL", "ws://env/signal")
	t.Setenv("VOICE_USER_AVATAR", "cat.png")

	cfg, err := Load([]string{"--config-dir", dir, "--room", "R2"})
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Mode)
	require.Equal(t, "ws://env/signal", cfg.SignalURL)
	require.Equal(t, "R2", cfg.Room)
	require.Equal(t, User{ID: "u1", Name: "alice", Avatar: "cat.png"}, cfg.User)
	require.Equal(t, []string{"stun:one", "stun:two"}, cfg.ICEServers)
	require.Equal(t, "a.ogg", cfg.Capture.AudioFile)
	require.False(t, cfg.Capture.Loop)
	require.Equal(t, "rec", cfg.RecordDir)
	require.Equal(t, 3, cfg.RecordFailureLimit)
}

func TestLoadConfigEnvFlag(t *testing.T) {
	dir := writeConfig(t, "prod", "port: 9000\n")
	t.Setenv("CONFIG_ENV", "dev")

	cfg, err := Load([]string{"--config-dir", dir, "--config-env", "prod"})
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	_, err := Load([]string{"--nope"})
	require.Error(t, err)
}
