package controlsocket

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/cuemby/nspawnrunner/pkg/log"
)

// Client is the puppet-side endpoint of the control socket. It assigns
// strictly increasing request ids, matches responses to requests, and logs
// (rather than fails on) duplicate or unknown-id responses, mirroring the
// tolerant behavior this protocol has always had.
type Client struct {
	conn       *net.UnixConn
	localPath  string
	serverAddr *net.UnixAddr

	mu      sync.Mutex
	cond    *sync.Cond
	nextID  uint64
	pending map[uint64]*RunnerResp // nil value means "in flight"

	eventMu sync.Mutex
	nextEventID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the runner's control socket at serverPath. It binds its
// own ephemeral unixgram socket under os.TempDir so the server has a return
// address to answer to.
func Dial(serverPath string) (*Client, error) {
	serverAddr, err := net.ResolveUnixAddr("unixgram", serverPath)
	if err != nil {
		return nil, fmt.Errorf("resolve control socket address: %w", err)
	}

	localPath := fmt.Sprintf("%s/puppet-%d.sock", os.TempDir(), os.Getpid())
	_ = os.Remove(localPath)
	localAddr, err := net.ResolveUnixAddr("unixgram", localPath)
	if err != nil {
		return nil, fmt.Errorf("resolve local control socket address: %w", err)
	}

	conn, err := net.ListenUnixgram("unixgram", localAddr)
	if err != nil {
		return nil, fmt.Errorf("bind local control socket: %w", err)
	}

	c := &Client{
		conn:       conn,
		localPath:  localPath,
		serverAddr: serverAddr,
		pending:    make(map[uint64]*RunnerResp),
		closed:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.recvLoop()

	return c, nil
}

func (c *Client) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			log.Logger.Fatal().Err(err).Msg("control socket client: malformed message from runner")
			return
		}
		switch msg.Kind {
		case MsgResponse:
			c.handleResponse(msg)
		case MsgEvent:
			log.Logger.Warn().Msg("control socket client: unhandled runner event")
		case MsgError:
			log.Logger.Warn().Str("message", msg.ErrorMessage).Msg("control socket client: runner error")
		default:
			log.Logger.Warn().Str("kind", string(msg.Kind)).Msg("control socket client: unexpected message kind")
		}
	}
}

func (c *Client) handleResponse(msg Message) {
	if msg.RequestID == nil {
		log.Logger.Warn().Msg("control socket client: response missing request_id")
		return
	}
	id := *msg.RequestID

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, known := c.pending[id]
	if !known {
		log.Logger.Warn().Uint64("request_id", id).Msg("control socket client: response for unknown request id")
		return
	}
	if existing != nil {
		log.Logger.Warn().Uint64("request_id", id).Msg("control socket client: duplicate response, last write wins")
	}
	resp := msg.Response
	if resp == nil {
		resp = &RunnerResp{}
	}
	c.pending[id] = resp
	c.cond.Broadcast()
}

// request assigns a fresh request id, sends req, and blocks until a
// response arrives. Waiters re-check their slot after every broadcast
// wakeup to tolerate coalesced notifications, mirroring the condition
// variable discipline this protocol's reference implementation uses.
func (c *Client) request(req PuppetReq) (*RunnerResp, error) {
	c.mu.Lock()
	if c.nextID == ^uint64(0) {
		c.mu.Unlock()
		log.Logger.Fatal().Msg("control socket client: request id counter overflow")
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = nil
	c.mu.Unlock()

	msg := Message{Kind: MsgRequest, RequestID: &id, Request: &req}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.conn.WriteToUnix(data, c.serverAddr); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	c.mu.Lock()
	for c.pending[id] == nil {
		c.cond.Wait()
	}
	resp := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	return resp, nil
}

// GetSSHKeys requests the job's authorized SSH keys.
func (c *Client) GetSSHKeys() ([]string, error) {
	resp, err := c.request(PuppetReq{Kind: ReqSSHKeys})
	if err != nil {
		return nil, err
	}
	if resp.SSHKeys == nil {
		return nil, nil
	}
	return resp.SSHKeys.SSHKeys, nil
}

// GetNetworkConfig requests the job's network configuration.
func (c *Client) GetNetworkConfig() (*NetworkConfigResp, error) {
	resp, err := c.request(PuppetReq{Kind: ReqNetworkConfig})
	if err != nil {
		return nil, err
	}
	return resp.NetworkConfig, nil
}

// ReportReady sends the Ready event, signaling the puppet has finished its
// startup sequence.
func (c *Client) ReportReady() error {
	c.eventMu.Lock()
	id := c.nextEventID
	c.nextEventID++
	c.eventMu.Unlock()

	ev := PuppetEvent{Kind: EventReady}
	msg := Message{Kind: MsgEvent, PuppetEventID: &id, PuppetEvent: &ev}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := c.conn.WriteToUnix(data, c.serverAddr); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	return nil
}

// Shutdown closes the client's local socket and removes its backing file.
func (c *Client) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		_ = os.Remove(c.localPath)
	})
	return err
}
