// Package types holds the data model shared by the runner and the puppet:
// identifiers, environment configuration, the Job entity, and the wire
// shapes exchanged with the coordinator and the control socket.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// JobId identifies one requested execution of an Environment.
type JobId uuid.UUID

// NewJobId generates a fresh random JobId.
func NewJobId() JobId {
	return JobId(uuid.New())
}

// ParseJobId parses a canonical UUID string into a JobId.
func ParseJobId(s string) (JobId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return JobId{}, fmt.Errorf("parse job id: %w", err)
	}
	return JobId(id), nil
}

func (j JobId) String() string { return uuid.UUID(j).String() }

// MarshalText renders the canonical UUID string form, so a JobId encodes as
// a JSON string (e.g. over the coordinator SSE transport) rather than a
// 16-element byte array.
func (j JobId) MarshalText() ([]byte, error) {
	return uuid.UUID(j).MarshalText()
}

// UnmarshalText parses the canonical UUID string form produced by
// MarshalText.
func (j *JobId) UnmarshalText(text []byte) error {
	id, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("parse job id: %w", err)
	}
	*j = JobId(id)
	return nil
}

// Hostname returns "job-" followed by the first 10 characters of the job
// id's canonical text, the hostname assigned to the container.
func (j JobId) Hostname() string {
	s := j.String()
	if len(s) > 10 {
		s = s[:10]
	}
	return "job-" + s
}

// EnvironmentId identifies a named, preconfigured container template.
type EnvironmentId uuid.UUID

// NewEnvironmentId generates a fresh random EnvironmentId.
func NewEnvironmentId() EnvironmentId {
	return EnvironmentId(uuid.New())
}

// ParseEnvironmentId parses a canonical UUID string into an EnvironmentId.
func ParseEnvironmentId(s string) (EnvironmentId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return EnvironmentId{}, fmt.Errorf("parse environment id: %w", err)
	}
	return EnvironmentId(id), nil
}

func (e EnvironmentId) String() string { return uuid.UUID(e).String() }

// MarshalText renders the canonical UUID string form, so an EnvironmentId
// encodes as a JSON string rather than a 16-element byte array.
func (e EnvironmentId) MarshalText() ([]byte, error) {
	return uuid.UUID(e).MarshalText()
}

// UnmarshalText parses the canonical UUID string form produced by
// MarshalText.
func (e *EnvironmentId) UnmarshalText(text []byte) error {
	id, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("parse environment id: %w", err)
	}
	*e = EnvironmentId(id)
	return nil
}

// MountConfig describes a single bind mount into the container.
type MountConfig struct {
	Src      string `toml:"src"`
	Dst      string `toml:"dst"`
	ReadOnly bool   `toml:"readonly"`
}

// DeviceMountMode controls whether a device also gets a bind mount entry.
type DeviceMountMode string

const (
	DeviceMountNone      DeviceMountMode = "no"
	DeviceMountReadWrite DeviceMountMode = "rw"
	DeviceMountReadOnly  DeviceMountMode = "ro"
)

// DeviceConfig describes one device-cgroup rule and its optional mount.
type DeviceConfig struct {
	Node           string          `toml:"node"`
	ResolveSymlink bool            `toml:"resolve_symlink"`
	AddMount       DeviceMountMode `toml:"add_mount"`
	Read           bool            `toml:"read"`
	Write          bool            `toml:"write"`
	Create         bool            `toml:"create"`
}

// Allowed reports whether this device should be emitted to the container
// policy at all; a device with no permission bits set is never emitted.
func (d DeviceConfig) Allowed() bool {
	return d.Read || d.Write || d.Create
}

// AccessString renders the rwm-letters access string for this device, e.g.
// "rw" for Read+Write, "rwm" for all three.
func (d DeviceConfig) AccessString() string {
	s := ""
	if d.Read {
		s += "r"
	}
	if d.Write {
		s += "w"
	}
	if d.Create {
		s += "m"
	}
	return s
}

// VethConfig names one host/container veth interface pair.
type VethConfig struct {
	Host      string `toml:"host"`
	Container string `toml:"container"`
}

// ZFSRootConfig configures the ZFS-backed RootFsProvider for an environment.
type ZFSRootConfig struct {
	Parent    string `toml:"parent"`
	CloneFrom string `toml:"clone_from"`
	MountBase string `toml:"mount_base"`
	Quota     string `toml:"quota"`
}

// SSHPreferredIPVersion selects which address family the rendezvous proxy
// should prefer when both are configured.
type SSHPreferredIPVersion string

const (
	SSHPreferredIPUnspecified SSHPreferredIPVersion = "unspec"
	SSHPreferredIPv4          SSHPreferredIPVersion = "v4"
	SSHPreferredIPv6          SSHPreferredIPVersion = "v6"
)

// IPv4NetworkConfig configures the container's IPv4 address assignment.
type IPv4NetworkConfig struct {
	Address      string   `toml:"address"`
	PrefixLength int      `toml:"prefix_length"`
	Gateway      string   `toml:"gateway"`
	Nameservers  []string `toml:"nameservers"`
}

// IPv6NetworkConfig configures the container's IPv6 address assignment.
type IPv6NetworkConfig struct {
	Address      string   `toml:"address"`
	PrefixLength int      `toml:"prefix_length"`
	Gateway      string   `toml:"gateway"`
	Nameservers  []string `toml:"nameservers"`
}

// EnvironmentConfig is the immutable, preconfigured template a Job is
// instantiated from.
type EnvironmentConfig struct {
	Init              string                `toml:"init"`
	ShutdownTimeout   int                   `toml:"shutdown_timeout"`
	Mounts            []MountConfig         `toml:"mounts"`
	Devices           []DeviceConfig        `toml:"devices"`
	ZFSRoot           ZFSRootConfig         `toml:"zfsroot"`
	ControlSocketPath string                `toml:"control_socket_path"`
	Veth              []VethConfig          `toml:"veth"`
	SSHPort           *int                  `toml:"ssh_port"`
	SSHPreferredIP    SSHPreferredIPVersion `toml:"ssh_pref_ip"`
	IPv4Network       *IPv4NetworkConfig    `toml:"ipv4_network"`
	IPv6Network       *IPv6NetworkConfig    `toml:"ipv6_network"`
}

// RendezvousServerConfig is one coordinator-supplied rendezvous server a
// job's proxies should announce to.
type RendezvousServerConfig struct {
	ClientID      string `json:"client_id"`
	ServerBaseURL string `json:"server_base_url"`
	AuthToken     string `json:"auth_token"`
}

// RunnerConfig is the runner's top-level, process-wide configuration.
type RunnerConfig struct {
	CoordinatorBaseURL string                       `toml:"coordinator_base_url"`
	BoardID            string                       `toml:"board_id"`
	KeepaliveTimeout   int                          `toml:"keepalive_timeout"`
	ReconnectWait      int                          `toml:"reconnect_wait"`
	Environments       map[string]EnvironmentConfig `toml:"environments"`
}

// StartJob is the coordinator command that instantiates a new Job.
type StartJob struct {
	JobID                JobId
	EnvironmentID        EnvironmentId
	SSHKeys              []string
	SSHRendezvousServers []RendezvousServerConfig
}

// StopJob is the coordinator command that tears a Job down.
type StopJob struct {
	JobID JobId
}

// RendezvousSSH describes one externally reachable SSH endpoint published
// for a Ready job.
type RendezvousSSH struct {
	Hostname           string
	Port               int
	HostKeyFingerprints []string
}

// JobStateKind discriminates the JobState variants.
type JobStateKind string

const (
	JobStateStarting JobStateKind = "starting"
	JobStateReady    JobStateKind = "ready"
	JobStateStopping JobStateKind = "stopping"
	JobStateFinished JobStateKind = "finished"
	JobStateFailed   JobStateKind = "failed"
)

// StartingStage discriminates the two sub-stages of JobStateStarting.
type StartingStage string

const (
	StartingAllocating StartingStage = "allocating"
	StartingBooting    StartingStage = "booting"
)

// JobState is one lifecycle state publication. Exactly one of the
// stage-specific fields is meaningful, selected by Kind.
type JobState struct {
	Kind           JobStateKind
	Stage          StartingStage   // valid when Kind == JobStateStarting
	ConnectionInfo []RendezvousSSH // valid when Kind == JobStateReady
	StatusMessage  string
}

func Starting(stage StartingStage) JobState {
	return JobState{Kind: JobStateStarting, Stage: stage}
}

func Ready(info []RendezvousSSH) JobState {
	return JobState{Kind: JobStateReady, ConnectionInfo: info}
}

func Stopping() JobState { return JobState{Kind: JobStateStopping} }

func Finished() JobState { return JobState{Kind: JobStateFinished} }

func Failed(msg string) JobState {
	return JobState{Kind: JobStateFailed, StatusMessage: msg}
}

// NetworkConfig is the puppet-facing network configuration answer to a
// NetworkConfig control-socket request.
type NetworkConfig struct {
	Hostname  string
	Interface string
	IPv4      *IPv4NetworkConfig
	IPv6      *IPv6NetworkConfig
}
