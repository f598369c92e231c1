// Package rootfs provides the RootFsProvider abstraction the Supervisor uses
// to allocate and destroy the filesystem backing a job's container root, and
// a ZFS-backed implementation of it.
package rootfs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/types"
	"github.com/moby/sys/mountinfo"
)

// BackingVolume is the provider-specific identifier for an allocated root
// filesystem; for the ZFS provider this is the dataset name.
type BackingVolume string

// Provider allocates and destroys the storage backing a job's container
// root. Only the ZFS adapter is built in; the interface exists so a
// different storage backend can be substituted without touching the
// Supervisor.
type Provider interface {
	// Allocate provisions a root filesystem for jobID according to cfg and
	// returns its mountpoint and a backing-volume handle.
	Allocate(jobID types.JobId, cfg types.ZFSRootConfig) (mountpoint string, volume BackingVolume, err error)

	// Destroy tears down the storage object identified by volume.
	Destroy(volume BackingVolume) error
}

// ZFSProvider implements Provider by shelling out to the zfs(8), mount(8)
// and umount(8) utilities, the way the original runner this system supervises
// jobs for does.
type ZFSProvider struct{}

// NewZFSProvider constructs a ZFSProvider.
func NewZFSProvider() *ZFSProvider {
	return &ZFSProvider{}
}

// Allocate builds the dataset name "<parent>/<jobID>", creates or clones it
// with mountpoint=legacy, and mounts it at a mountpoint derived from
// cfg.MountBase.
func (p *ZFSProvider) Allocate(jobID types.JobId, cfg types.ZFSRootConfig) (string, BackingVolume, error) {
	dataset := fmt.Sprintf("%s/%s", cfg.Parent, jobID.String())

	var cmd *exec.Cmd
	if cfg.CloneFrom != "" {
		args := []string{"clone", "-o", "mountpoint=legacy"}
		if cfg.Quota != "" {
			args = append(args, "-o", "quota="+cfg.Quota)
		}
		args = append(args, cfg.CloneFrom, dataset)
		cmd = exec.Command("zfs", args...)
	} else {
		args := []string{"create", "-o", "mountpoint=legacy"}
		if cfg.Quota != "" {
			args = append(args, "-o", "quota="+cfg.Quota)
		}
		args = append(args, dataset)
		cmd = exec.Command("zfs", args...)
	}

	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("zfs %s %s: %w (output: %s)", cmd.Args[1], dataset, err, strings.TrimSpace(string(out)))
	}

	mountpoint := filepath.Join(cfg.MountBase, jobID.String())
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return "", BackingVolume(dataset), fmt.Errorf("create mountpoint %s: %w", mountpoint, err)
	}

	mounted, err := mountinfo.Mounted(mountpoint)
	if err != nil {
		log.Logger.Warn().Err(err).Str("mountpoint", mountpoint).Msg("failed to inspect mount state, proceeding to mount")
	}
	if !mounted {
		mountCmd := exec.Command("mount", "-t", "zfs", dataset, mountpoint)
		if out, err := mountCmd.CombinedOutput(); err != nil {
			return "", BackingVolume(dataset), fmt.Errorf("mount %s at %s: %w (output: %s)", dataset, mountpoint, err, strings.TrimSpace(string(out)))
		}
	}

	return mountpoint, BackingVolume(dataset), nil
}

// Destroy unmounts (if still mounted) and recursively destroys the dataset.
func (p *ZFSProvider) Destroy(volume BackingVolume) error {
	mounts, err := mountinfo.GetMounts(nil)
	if err == nil {
		for _, m := range mounts {
			if m.Source != string(volume) {
				continue
			}
			umountCmd := exec.Command("umount", m.Mountpoint)
			if out, err := umountCmd.CombinedOutput(); err != nil {
				return fmt.Errorf("umount %s: %w (output: %s)", m.Mountpoint, err, strings.TrimSpace(string(out)))
			}
		}
	}

	cmd := exec.Command("zfs", "destroy", "-v", "-r", string(volume))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("zfs destroy %s: %w (output: %s)", volume, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unmount unmounts mountpoint; used directly by the Supervisor's stop_job
// path, which unmounts before deciding whether to destroy the backing
// volume at all.
func Unmount(mountpoint string) error {
	mounted, err := mountinfo.Mounted(mountpoint)
	if err != nil {
		return fmt.Errorf("inspect mount state of %s: %w", mountpoint, err)
	}
	if !mounted {
		return nil
	}
	cmd := exec.Command("umount", mountpoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("umount %s: %w (output: %s)", mountpoint, err, strings.TrimSpace(string(out)))
	}
	return nil
}
