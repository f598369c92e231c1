package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
coordinator_base_url = "https://coordinator.example.com"
board_id = "board-1"
keepalive_timeout = 30
reconnect_wait = 5

[environments."11111111-1111-1111-1111-111111111111"]
init = "/sbin/init"
shutdown_timeout = 10
control_socket_path = "/run/agent.sock"

[environments."11111111-1111-1111-1111-111111111111".zfsroot]
parent = "tank/jobs"
mount_base = "/srv/jobs"

[[environments."11111111-1111-1111-1111-111111111111".mounts]]
src = "/srv/data"
dst = "/data"
readonly = true
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesTopLevelAndEnvironments(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://coordinator.example.com", cfg.CoordinatorBaseURL)
	assert.Equal(t, "board-1", cfg.BoardID)
	assert.Equal(t, 30, cfg.KeepaliveTimeout)
	assert.Equal(t, 5, cfg.ReconnectWait)

	env, ok := Environment(cfg, "11111111-1111-1111-1111-111111111111")
	require.True(t, ok)
	assert.Equal(t, "/sbin/init", env.Init)
	assert.Equal(t, 10, env.ShutdownTimeout)
	assert.Equal(t, "tank/jobs", env.ZFSRoot.Parent)
	require.Len(t, env.Mounts, 1)
	assert.Equal(t, "/srv/data", env.Mounts[0].Src)
	assert.True(t, env.Mounts[0].ReadOnly)
}

func TestEnvironmentLookupMissUnknownID(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, ok := Environment(cfg, "00000000-0000-0000-0000-000000000000")
	assert.False(t, ok)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}
