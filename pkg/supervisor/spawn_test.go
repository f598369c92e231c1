package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nspawnrunner/pkg/types"
)

func TestDevicePolicyOmitsDeviceWithNoPermissionBits(t *testing.T) {
	d := types.DeviceConfig{Node: "/dev/null"}
	_, _, ok := devicePolicy(d)
	assert.False(t, ok, "a device with read=write=create=false must never reach the container policy")
}

func TestDevicePolicyAccessString(t *testing.T) {
	d := types.DeviceConfig{Node: "/dev/fuse", Read: true, Write: true}
	rule, node, ok := devicePolicy(d)
	require.True(t, ok)
	assert.Equal(t, "/dev/fuse", node)
	assert.Equal(t, "rw", rule.Access)
}

func TestDevicePolicyFallsBackToLiteralPathOnUnresolvableSymlink(t *testing.T) {
	d := types.DeviceConfig{Node: "/dev/does-not-exist-ever", ResolveSymlink: true, Read: true}
	_, node, ok := devicePolicy(d)
	require.True(t, ok)
	assert.Equal(t, "/dev/does-not-exist-ever", node)
}

func TestSpawnArgsDeviceMountSynthesis(t *testing.T) {
	cases := []struct {
		name     string
		device   types.DeviceConfig
		wantBind string
	}{
		{
			name:     "add_mount=rw yields a read-write bind",
			device:   types.DeviceConfig{Node: "/dev/fuse", Read: true, Write: true, AddMount: types.DeviceMountReadWrite},
			wantBind: "--bind=/dev/fuse:/dev/fuse",
		},
		{
			name:     "add_mount=ro yields a read-only bind",
			device:   types.DeviceConfig{Node: "/dev/fuse", Read: true, AddMount: types.DeviceMountReadOnly},
			wantBind: "--bind-ro=/dev/fuse:/dev/fuse",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := types.EnvironmentConfig{Devices: []types.DeviceConfig{tc.device}}
			args := spawnArgs(types.NewJobId(), "/mnt/root", env)
			assert.Contains(t, args, tc.wantBind)
		})
	}
}

func TestSpawnArgsDeviceMountNoneOmitsBind(t *testing.T) {
	env := types.EnvironmentConfig{Devices: []types.DeviceConfig{
		{Node: "/dev/fuse", Read: true, AddMount: types.DeviceMountNone},
	}}
	args := spawnArgs(types.NewJobId(), "/mnt/root", env)
	for _, a := range args {
		assert.NotContains(t, a, "--bind")
	}
}

func TestSpawnArgsUsesAutoBootWithoutInit(t *testing.T) {
	args := spawnArgs(types.NewJobId(), "/mnt/root", types.EnvironmentConfig{})
	assert.Contains(t, args, "--boot")
	for _, a := range args {
		assert.NotContains(t, a, "--kill-signal")
	}
}

func TestSpawnArgsSetsKillSignalWithInit(t *testing.T) {
	args := spawnArgs(types.NewJobId(), "/mnt/root", types.EnvironmentConfig{Init: "/sbin/init"})
	found := false
	for _, a := range args {
		if strings.HasPrefix(a, "--kill-signal=") {
			found = true
		}
	}
	assert.True(t, found, "expected a --kill-signal flag using SIGRTMIN+3, got %v", args)
	assert.Contains(t, args, "/sbin/init")
	assert.NotContains(t, args, "--boot", "systemd-nspawn rejects --boot combined with an explicit init command")
}

func TestRendezvousTargetAddrTable(t *testing.T) {
	port := 22
	v4 := &types.IPv4NetworkConfig{Address: "10.0.0.5"}
	v6 := &types.IPv6NetworkConfig{Address: "fd00::5"}

	cases := []struct {
		name     string
		cfg      types.EnvironmentConfig
		wantOK   bool
		wantHost string
	}{
		{
			name:   "no ssh_port configured yields no target",
			cfg:    types.EnvironmentConfig{IPv4Network: v4},
			wantOK: false,
		},
		{
			name:     "preferred v4 with v4 configured",
			cfg:      types.EnvironmentConfig{SSHPort: &port, SSHPreferredIP: types.SSHPreferredIPv4, IPv4Network: v4, IPv6Network: v6},
			wantOK:   true,
			wantHost: "10.0.0.5",
		},
		{
			name:     "preferred v6 with v6 configured",
			cfg:      types.EnvironmentConfig{SSHPort: &port, SSHPreferredIP: types.SSHPreferredIPv6, IPv4Network: v4, IPv6Network: v6},
			wantOK:   true,
			wantHost: "fd00::5",
		},
		{
			name:     "no preference falls back to v4 first",
			cfg:      types.EnvironmentConfig{SSHPort: &port, IPv4Network: v4, IPv6Network: v6},
			wantOK:   true,
			wantHost: "10.0.0.5",
		},
		{
			name:     "no preference falls back to v6 when only v6 configured",
			cfg:      types.EnvironmentConfig{SSHPort: &port, IPv6Network: v6},
			wantOK:   true,
			wantHost: "fd00::5",
		},
		{
			name:   "ssh_port set but neither address family configured",
			cfg:    types.EnvironmentConfig{SSHPort: &port},
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host, gotPort, ok := rendezvousTargetAddr(tc.cfg)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantHost, host)
				assert.Equal(t, port, gotPort)
			}
		})
	}
}

func TestControlSocketPathAbsRejectsEscape(t *testing.T) {
	_, err := controlSocketPathAbs("/mnt/root", "../../etc/passwd")
	assert.Error(t, err)
}

func TestControlSocketPathAbsJoinsUnderMountpoint(t *testing.T) {
	path, err := controlSocketPathAbs("/mnt/root", "/run/agent.sock")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/root/run/agent.sock", path)
}
