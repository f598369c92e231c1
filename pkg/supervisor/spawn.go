package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

// devicePolicy resolves one configured device into a cgroup device rule.
// Devices with no permission bits set are omitted entirely, per the
// invariant that a device with all of read/write/create false never
// reaches the container's policy.
func devicePolicy(d types.DeviceConfig) (specs.LinuxDeviceCgroup, string, bool) {
	if !d.Allowed() {
		return specs.LinuxDeviceCgroup{}, "", false
	}

	node := d.Node
	if d.ResolveSymlink {
		resolved, err := filepath.EvalSymlinks(node)
		if err != nil {
			log.Logger.Warn().Err(err).Str("device", node).Msg("supervisor: device symlink resolution failed, using literal path")
		} else {
			node = resolved
		}
	}

	access := d.AccessString()
	rule := specs.LinuxDeviceCgroup{
		Allow:  true,
		Type:   "a",
		Access: access,
	}
	return rule, node, true
}

// deviceAllowProperty renders the systemd-run --property=DeviceAllow= value
// for one resolved device cgroup rule.
func deviceAllowProperty(node string, rule specs.LinuxDeviceCgroup) string {
	return fmt.Sprintf("--property=DeviceAllow=%s %s", node, rule.Access)
}

// rendezvousTargetAddr picks the SSH rendezvous target address for an
// environment per the first-match table: an explicit preference wins when
// its address family is configured, otherwise either configured family is
// used, v4 first.
func rendezvousTargetAddr(cfg types.EnvironmentConfig) (host string, port int, ok bool) {
	if cfg.SSHPort == nil {
		return "", 0, false
	}
	port = *cfg.SSHPort

	switch cfg.SSHPreferredIP {
	case types.SSHPreferredIPv4:
		if cfg.IPv4Network != nil {
			return cfg.IPv4Network.Address, port, true
		}
	case types.SSHPreferredIPv6:
		if cfg.IPv6Network != nil {
			return cfg.IPv6Network.Address, port, true
		}
	}

	if cfg.IPv4Network != nil {
		return cfg.IPv4Network.Address, port, true
	}
	if cfg.IPv6Network != nil {
		return cfg.IPv6Network.Address, port, true
	}
	return "", 0, false
}

// spawnArgs assembles the systemd-run argument list for booting jobID's
// container rooted at mountpoint, per env's device, mount and veth
// configuration.
func spawnArgs(jobID types.JobId, mountpoint string, env types.EnvironmentConfig) []string {
	args := []string{
		"--scope",
		"--property=DevicePolicy=closed",
	}

	for _, d := range env.Devices {
		rule, node, ok := devicePolicy(d)
		if !ok {
			continue
		}
		args = append(args, deviceAllowProperty(node, rule))
	}

	args = append(args,
		"--",
		"systemd-nspawn",
		"--directory="+mountpoint,
		"--keep-unit",
		"--private-users=pick",
		"--private-network",
		"--hostname="+jobID.Hostname(),
	)

	for _, v := range env.Veth {
		args = append(args, fmt.Sprintf("--network-veth-extra=%s:%s", v.Host, v.Container))
	}

	for _, m := range env.Mounts {
		args = append(args, bindFlag(m.Src, m.Dst, m.ReadOnly))
	}

	for _, d := range env.Devices {
		if !d.Allowed() || d.AddMount == types.DeviceMountNone {
			continue
		}
		_, node, ok := devicePolicy(d)
		if !ok {
			continue
		}
		args = append(args, bindFlag(node, node, d.AddMount == types.DeviceMountReadOnly))
	}

	if env.Init != "" {
		args = append(args, fmt.Sprintf("--kill-signal=%d", unix.SIGRTMIN()+3))
		args = append(args, env.Init)
	} else {
		args = append(args, "--boot")
	}

	return args
}

func bindFlag(src, dst string, readOnly bool) string {
	flag := "--bind="
	if readOnly {
		flag = "--bind-ro="
	}
	return fmt.Sprintf("%s%s:%s", flag, src, dst)
}

// controlSocketPathAbs joins mountpoint and the environment's configured
// in-container control socket path, asserting that the result remains
// rooted under mountpoint.
func controlSocketPathAbs(mountpoint, controlSocketPath string) (string, error) {
	rel := controlSocketPath
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	abs := filepath.Join(mountpoint, rel)
	if !isWithin(mountpoint, abs) {
		return "", fmt.Errorf("control socket path %q escapes mountpoint %q", controlSocketPath, mountpoint)
	}
	return abs, nil
}

func isWithin(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ensureMountpointDir is a thin wrapper kept here (rather than in pkg/rootfs)
// because only the Supervisor needs a directory guaranteed to exist before
// binding the control socket into it.
func ensureMountpointDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
