package controlsocket

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

// JobLookup answers the server's "is this the currently installed job"
// question. The runner's Supervisor implements it by consulting its slot
// under lock; a puppet whose job has since been torn down gets a
// zero-value, not-found answer rather than an error, matching the accepted
// failure mode of an outliving puppet.
type JobLookup interface {
	SSHKeysFor(jobID types.JobId) (keys []string, ok bool)
	NetworkConfigFor(jobID types.JobId) (cfg types.NetworkConfig, ok bool)
}

// Server is the runner-side endpoint of the control socket, bound inside a
// job's container root filesystem at its configured path.
type Server struct {
	conn *net.UnixConn
	path string
	jobs JobLookup

	// targetJobID is the job this server instance was created for. The
	// puppet inside the container has no notion of job identity of its
	// own; every request is looked up against targetJobID, so the answer
	// carries that job's data only while it is the job installed in the
	// slot, and is empty otherwise. This lets the server be started before
	// that job is installed (see Supervisor.StartJob step 5).
	targetJobID types.JobId
}

// Listen creates a datagram Unix domain socket at path and returns a Server
// ready to Serve requests against targetJobID.
func Listen(path string, targetJobID types.JobId, jobs JobLookup) (*Server, error) {
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, fmt.Errorf("resolve control socket address: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket %s: %w", path, err)
	}

	return &Server{conn: conn, path: path, jobs: jobs, targetJobID: targetJobID}, nil
}

// Serve reads and answers requests until Close is called. It should be run
// on its own goroutine.
func (s *Server) Serve() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			log.Logger.Warn().Err(err).Msg("control socket: malformed message from puppet")
			continue
		}
		s.handle(msg, addr)
	}
}

func (s *Server) handle(msg Message, addr *net.UnixAddr) {
	switch msg.Kind {
	case MsgRequest:
		s.handleRequest(msg, addr)
	case MsgEvent:
		log.Logger.Info().Str("job_id", s.targetJobID.String()).Msg("control socket: puppet event received")
	default:
		log.Logger.Warn().Str("kind", string(msg.Kind)).Msg("control socket: unexpected message kind from puppet")
	}
}

func (s *Server) handleRequest(msg Message, addr *net.UnixAddr) {
	if msg.RequestID == nil || msg.Request == nil {
		log.Logger.Warn().Msg("control socket: request missing request_id or body")
		return
	}

	resp := RunnerResp{}
	switch msg.Request.Kind {
	case ReqSSHKeys:
		keys, ok := s.jobs.SSHKeysFor(s.targetJobID)
		if ok {
			resp.SSHKeys = &SSHKeysResp{SSHKeys: keys}
		} else {
			resp.SSHKeys = &SSHKeysResp{}
		}
	case ReqNetworkConfig:
		cfg, ok := s.jobs.NetworkConfigFor(s.targetJobID)
		if ok {
			resp.NetworkConfig = toWireNetworkConfig(cfg)
		} else {
			resp.NetworkConfig = &NetworkConfigResp{}
		}
	default:
		s.sendError(addr, fmt.Sprintf("unknown request kind %q", msg.Request.Kind))
		return
	}

	out := Message{Kind: MsgResponse, RequestID: msg.RequestID, Response: &resp}
	s.send(addr, out)
}

func (s *Server) sendError(addr *net.UnixAddr, text string) {
	s.send(addr, Message{Kind: MsgError, ErrorMessage: text})
}

func (s *Server) send(addr *net.UnixAddr, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Logger.Error().Err(err).Msg("control socket: failed to encode response")
		return
	}
	if _, err := s.conn.WriteToUnix(data, addr); err != nil {
		log.Logger.Warn().Err(err).Msg("control socket: failed to send response")
	}
}

// Close shuts the server down and removes the socket file.
func (s *Server) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close control socket: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove control socket: %w", err)
	}
	return nil
}

func toWireNetworkConfig(cfg types.NetworkConfig) *NetworkConfigResp {
	resp := &NetworkConfigResp{Hostname: cfg.Hostname, Interface: cfg.Interface}
	if cfg.IPv4 != nil {
		resp.IPv4 = &NetworkIPConfig{
			Address:      cfg.IPv4.Address,
			PrefixLength: cfg.IPv4.PrefixLength,
			Gateway:      cfg.IPv4.Gateway,
			Nameservers:  cfg.IPv4.Nameservers,
		}
	}
	if cfg.IPv6 != nil {
		resp.IPv6 = &NetworkIPConfig{
			Address:      cfg.IPv6.Address,
			PrefixLength: cfg.IPv6.PrefixLength,
			Gateway:      cfg.IPv6.Gateway,
			Nameservers:  cfg.IPv6.Nameservers,
		}
	}
	return resp
}
