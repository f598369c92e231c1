// Package supervisor implements the Supervisor: the single-job-slot state
// machine that drives a job from StartJob through Ready to StopJob,
// orchestrating root filesystem allocation, the container process, the
// console streamer, the control socket server and the rendezvous proxies.
package supervisor

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/nspawnrunner/pkg/console"
	"github.com/cuemby/nspawnrunner/pkg/controlsocket"
	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/metrics"
	"github.com/cuemby/nspawnrunner/pkg/process"
	"github.com/cuemby/nspawnrunner/pkg/rendezvous"
	"github.com/cuemby/nspawnrunner/pkg/rootfs"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

// Connector is the subset of CoordinatorConnector the Supervisor and its
// Streamer need. Defined here (rather than importing pkg/connector) so the
// connector package can implement it without creating an import cycle; the
// connector's Dispatcher interface is the mirror image of this one.
type Connector interface {
	console.Sink
	PostJobState(jobID types.JobId, state types.JobState) error
}

// job is the Supervisor's sole mutable runtime entity.
type job struct {
	id      types.JobId
	env     types.EnvironmentConfig
	sshKeys []string

	child         *process.Child
	streamer      *console.Streamer
	controlServer *controlsocket.Server
	proxies       []*rendezvous.Proxy
	mountpoint    string
	volume        rootfs.BackingVolume
}

// Supervisor owns the runner's single job slot.
type Supervisor struct {
	mu   sync.Mutex
	slot *job

	config    *types.RunnerConfig
	rootfs    rootfs.Provider
	connector Connector
}

// New constructs a Supervisor. SetConnector must be called once, before
// StartJob/StopJob are ever invoked, to complete the non-owning
// back-reference wiring with the connector.
func New(config *types.RunnerConfig, provider rootfs.Provider) *Supervisor {
	return &Supervisor{config: config, rootfs: provider}
}

// SetConnector wires the Supervisor's non-owning back-reference to the
// connector used to publish state and console output.
func (s *Supervisor) SetConnector(c Connector) {
	s.connector = c
}

func (s *Supervisor) publish(jobID types.JobId, state types.JobState) {
	if err := s.connector.PostJobState(jobID, state); err != nil {
		log.Logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("supervisor: failed to publish job state")
	}
}

// StartJob drives a job from nothing to Ready, or to Failed on any error
// along the way. It blocks until the pipeline completes.
func (s *Supervisor) StartJob(cmd types.StartJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slot != nil {
		err := fmt.Errorf("%w: running job %s, cannot start job %s", ErrSlotOccupied, s.slot.id, cmd.JobID)
		s.publish(cmd.JobID, types.Failed(err.Error()))
		return
	}

	env, ok := s.config.Environments[cmd.EnvironmentID.String()]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownEnvironment, cmd.EnvironmentID)
		s.publish(cmd.JobID, types.Failed(err.Error()))
		return
	}

	s.publish(cmd.JobID, types.Starting(types.StartingAllocating))
	metrics.JobsStartedTotal.Inc()
	startedAt := time.Now()

	mountpoint, volume, err := s.rootfs.Allocate(cmd.JobID, env.ZFSRoot)
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", cmd.JobID.String()).Msg("supervisor: root filesystem allocation failed")
		metrics.JobsFailedTotal.WithLabelValues("allocating").Inc()
		s.publish(cmd.JobID, types.Failed(fmt.Sprintf("allocate root filesystem: %v", err)))
		return
	}

	j := &job{id: cmd.JobID, env: env, sshKeys: cmd.SSHKeys, mountpoint: mountpoint, volume: volume}

	controlPath, err := controlSocketPathAbs(mountpoint, env.ControlSocketPath)
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", cmd.JobID.String()).Msg("supervisor: control socket path assertion failed")
		metrics.JobsFailedTotal.WithLabelValues("allocating").Inc()
		s.publish(cmd.JobID, types.Failed(fmt.Sprintf("control socket path: %v", err)))
		return
	}
	if err := ensureMountpointDir(filepath.Dir(controlPath)); err != nil {
		log.Logger.Warn().Err(err).Msg("supervisor: could not pre-create control socket directory")
	}

	server, err := controlsocket.Listen(controlPath, cmd.JobID, s)
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", cmd.JobID.String()).Msg("supervisor: control socket listen failed")
		metrics.JobsFailedTotal.WithLabelValues("allocating").Inc()
		s.publish(cmd.JobID, types.Failed(fmt.Sprintf("start control socket: %v", err)))
		return
	}
	j.controlServer = server
	go server.Serve()

	if host, port, ok := rendezvousTargetAddr(env); ok {
		target := &tcpAddr{host: host, port: port}
		for _, spec := range cmd.SSHRendezvousServers {
			proxy := rendezvous.Start(spec.ClientID, spec.ServerBaseURL, target, spec.AuthToken, 60*time.Second, 10*time.Second)
			j.proxies = append(j.proxies, proxy)
		}
	}
	metrics.RendezvousProxiesActive.Set(float64(len(j.proxies)))

	s.publish(cmd.JobID, types.Starting(types.StartingBooting))

	args := spawnArgs(cmd.JobID, mountpoint, env)
	execCmd := exec.Command("systemd-run", args...)
	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		s.failStart(j, cmd.JobID, fmt.Sprintf("create stdout pipe: %v", err))
		return
	}
	stderr, err := execCmd.StderrPipe()
	if err != nil {
		s.failStart(j, cmd.JobID, fmt.Sprintf("create stderr pipe: %v", err))
		return
	}

	child, err := process.Start(execCmd)
	if err != nil {
		s.failStart(j, cmd.JobID, fmt.Sprintf("spawn container: %v", err))
		return
	}
	j.child = child

	j.streamer = console.New(cmd.JobID, stdout, stderr, child, s.connector, func() {
		s.StopJob(types.StopJob{JobID: cmd.JobID})
	})
	go j.streamer.Run()

	var connectionInfo []types.RendezvousSSH
	for _, proxy := range j.proxies {
		if info, ok := proxy.PublicAddr(5 * time.Second); ok {
			connectionInfo = append(connectionInfo, info)
		} else {
			log.Logger.Warn().Str("job_id", cmd.JobID.String()).Msg("supervisor: rendezvous proxy did not provide a public address before timeout")
		}
	}

	metrics.JobTimeToReady.Observe(time.Since(startedAt).Seconds())
	metrics.JobSlotOccupied.Set(1)
	s.publish(cmd.JobID, types.Ready(connectionInfo))
	s.slot = j
}

// failStart reports a Failed state for a job that never reached the slot,
// and closes its control socket server and shuts down its rendezvous
// proxies. The root filesystem allocated for the job is neither unmounted
// nor destroyed here.
func (s *Supervisor) failStart(j *job, jobID types.JobId, message string) {
	log.Logger.Error().Str("job_id", jobID.String()).Msg("supervisor: " + message)
	metrics.JobsFailedTotal.WithLabelValues("booting").Inc()
	if j.controlServer != nil {
		_ = j.controlServer.Close()
	}
	for _, p := range j.proxies {
		p.Shutdown()
	}
	metrics.RendezvousProxiesActive.Set(0)
	s.publish(jobID, types.Failed(message))
}

// StopJob tears a running job down to Finished, or to Failed if unmounting
// or destroying its storage fails.
func (s *Supervisor) StopJob(cmd types.StopJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slot == nil || s.slot.id != cmd.JobID {
		err := fmt.Errorf("%w: %s", ErrJobNotFound, cmd.JobID)
		s.publish(cmd.JobID, types.Failed(err.Error()))
		return
	}

	j := s.slot
	s.slot = nil
	metrics.JobSlotOccupied.Set(0)

	s.publish(cmd.JobID, types.Stopping())
	stopStarted := time.Now()

	timeout := time.Duration(j.env.ShutdownTimeout) * time.Second
	if err := j.child.Stop(timeout); err != nil {
		log.Logger.Warn().Err(err).Str("job_id", cmd.JobID.String()).Msg("supervisor: container process reported an error on exit")
	}

	if err := j.controlServer.Close(); err != nil {
		log.Logger.Fatal().Err(err).Str("job_id", cmd.JobID.String()).Msg("supervisor: failed to shut down control socket")
	}

	j.streamer.Shutdown()
	j.child.Wait()

	for _, p := range j.proxies {
		p.Shutdown()
	}
	metrics.RendezvousProxiesActive.Set(0)

	if err := rootfs.Unmount(j.mountpoint); err != nil {
		log.Logger.Error().Err(err).Str("job_id", cmd.JobID.String()).Msg("supervisor: unmount failed")
		s.publish(cmd.JobID, types.Failed(fmt.Sprintf("unmount root filesystem: %v", err)))
		return
	}

	const deleteDataOnStop = false
	if deleteDataOnStop {
		if err := s.rootfs.Destroy(j.volume); err != nil {
			log.Logger.Error().Err(err).Str("job_id", cmd.JobID.String()).Msg("supervisor: destroy root filesystem failed")
			s.publish(cmd.JobID, types.Failed(fmt.Sprintf("destroy root filesystem: %v", err)))
			return
		}
	}

	metrics.JobsFinishedTotal.Inc()
	metrics.JobShutdownDuration.Observe(time.Since(stopStarted).Seconds())
	s.publish(cmd.JobID, types.Finished())
}

// SSHKeysFor implements controlsocket.JobLookup.
func (s *Supervisor) SSHKeysFor(jobID types.JobId) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil || s.slot.id != jobID {
		return nil, false
	}
	return s.slot.sshKeys, true
}

// NetworkConfigFor implements controlsocket.JobLookup.
func (s *Supervisor) NetworkConfigFor(jobID types.JobId) (types.NetworkConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil || s.slot.id != jobID {
		return types.NetworkConfig{}, false
	}
	env := s.slot.env
	cfg := types.NetworkConfig{
		Hostname: jobID.Hostname(),
		IPv4:     env.IPv4Network,
		IPv6:     env.IPv6Network,
	}
	if len(env.Veth) > 0 {
		cfg.Interface = env.Veth[0].Container
	}
	return cfg, true
}

// tcpAddr is a minimal net.Addr implementation for rendezvous targets,
// which are named by configuration rather than resolved from a live
// connection.
type tcpAddr struct {
	host string
	port int
}

func (a *tcpAddr) Network() string { return "tcp" }
func (a *tcpAddr) String() string  { return fmt.Sprintf("%s:%d", a.host, a.port) }
