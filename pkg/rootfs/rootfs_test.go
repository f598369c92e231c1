package rootfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nspawnrunner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmountIsANoOpForAnUnmountedPath(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, Unmount(dir))
}

func TestUnmountReportsInspectionErrorForMissingPath(t *testing.T) {
	err := Unmount(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestAllocateFailsDescriptivelyWhenStorageCLIIsUnavailable(t *testing.T) {
	// The test environment has no zfs(8) binary; Allocate must surface the
	// exec failure rather than silently create a mountpoint.
	base := t.TempDir()
	cfg := types.ZFSRootConfig{Parent: "tank/jobs", MountBase: base}
	jobID := types.NewJobId()

	p := NewZFSProvider()
	mountpoint, volume, err := p.Allocate(jobID, cfg)

	require.Error(t, err)
	assert.Empty(t, mountpoint)
	assert.Empty(t, volume)
	assert.Contains(t, err.Error(), "zfs")

	_, statErr := os.Stat(filepath.Join(base, jobID.String()))
	assert.True(t, os.IsNotExist(statErr), "mountpoint must not be created when the dataset step fails")
}

func TestAllocateDatasetNameIncludesParentAndJobID(t *testing.T) {
	jobID := types.NewJobId()
	cfg := types.ZFSRootConfig{Parent: "tank/jobs", MountBase: t.TempDir()}

	p := NewZFSProvider()
	_, _, err := p.Allocate(jobID, cfg)
	require.Error(t, err) // no zfs binary in the test environment

	assert.Contains(t, err.Error(), "tank/jobs/"+jobID.String())
}

func TestDestroyFailsDescriptivelyWhenStorageCLIIsUnavailable(t *testing.T) {
	p := NewZFSProvider()
	err := p.Destroy(BackingVolume("tank/jobs/does-not-exist"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zfs destroy")
}
