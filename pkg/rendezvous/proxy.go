// Package rendezvous maintains outbound registrations with SSH rendezvous
// servers: small services that accept a registration for a local address
// and hand back a publicly reachable host/port pair that proxies to it.
// Each Proxy runs its own register-then-keepalive loop and reconnects on
// failure, the way this codebase's reconnect loops are built elsewhere
// around a ticker rather than a single long-lived call.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

// Proxy registers a target address with one rendezvous server and keeps the
// registration alive until Shutdown is called.
type Proxy struct {
	clientID      string
	serverBaseURL string
	authToken     string
	target        net.Addr

	keepalive     time.Duration
	reconnectWait time.Duration

	httpClient *http.Client

	mu       sync.Mutex
	host     string
	port     int
	ready    chan struct{}
	readyHit bool

	stop chan struct{}
	done chan struct{}
}

type registerRequest struct {
	ClientID   string `json:"client_id"`
	AuthToken  string `json:"auth_token"`
	TargetAddr string `json:"target_addr"`
}

type registerResponse struct {
	PublicHost string `json:"public_host"`
	PublicPort int    `json:"public_port"`
}

// Start begins registering target with the rendezvous server named by
// serverBaseURL, identifying as clientID and authenticating with authToken.
func Start(clientID, serverBaseURL string, target net.Addr, authToken string, keepalive, reconnectWait time.Duration) *Proxy {
	p := &Proxy{
		clientID:      clientID,
		serverBaseURL: serverBaseURL,
		authToken:     authToken,
		target:        target,
		keepalive:     keepalive,
		reconnectWait: reconnectWait,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		ready:         make(chan struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Proxy) run() {
	defer close(p.done)

	for {
		if err := p.registerOnce(); err != nil {
			log.Logger.Warn().Err(err).Str("server", p.serverBaseURL).Msg("rendezvous: registration failed, will retry")
			select {
			case <-p.stop:
				return
			case <-time.After(p.reconnectWait):
				continue
			}
		}

		ticker := time.NewTicker(p.keepalive)
		lost := p.keepaliveLoop(ticker)
		ticker.Stop()
		if lost == errShutdown {
			return
		}
		// Keepalive failed; drop the ready gate and re-register.
		p.mu.Lock()
		p.readyHit = false
		p.ready = make(chan struct{})
		p.mu.Unlock()
	}
}

var errShutdown = fmt.Errorf("rendezvous: shutdown requested")

func (p *Proxy) keepaliveLoop(ticker *time.Ticker) error {
	for {
		select {
		case <-p.stop:
			return errShutdown
		case <-ticker.C:
			if err := p.keepaliveOnce(); err != nil {
				log.Logger.Warn().Err(err).Str("server", p.serverBaseURL).Msg("rendezvous: keepalive failed, re-registering")
				return err
			}
		}
	}
}

func (p *Proxy) registerOnce() error {
	resp, err := p.post("/register")
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.host = resp.PublicHost
	p.port = resp.PublicPort
	if !p.readyHit {
		p.readyHit = true
		close(p.ready)
	}
	p.mu.Unlock()

	return nil
}

func (p *Proxy) keepaliveOnce() error {
	_, err := p.post("/keepalive")
	return err
}

func (p *Proxy) post(path string) (*registerResponse, error) {
	body, err := json.Marshal(registerRequest{
		ClientID:   p.clientID,
		AuthToken:  p.authToken,
		TargetAddr: p.target.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode rendezvous request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rendezvous request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rendezvous request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("rendezvous server returned %s", httpResp.Status)
	}

	var out registerResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rendezvous response: %w", err)
	}
	return &out, nil
}

// PublicAddr blocks until the proxy's first successful registration or
// timeout elapses. ok is false on timeout; the caller should log a warning
// and omit this proxy from connection info rather than fail the job.
func (p *Proxy) PublicAddr(timeout time.Duration) (info types.RendezvousSSH, ok bool) {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()

	select {
	case <-ready:
	case <-time.After(timeout):
		return types.RendezvousSSH{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return types.RendezvousSSH{
		Hostname: p.host,
		Port:     p.port,
		// Left empty: the coordinator supplies host-key fingerprints later,
		// it does not ask the runner to derive them from the job's
		// authorized login keys.
		HostKeyFingerprints: nil,
	}, true
}

// Shutdown stops the register/keepalive loop and waits for it to exit.
func (p *Proxy) Shutdown() {
	close(p.stop)
	<-p.done
}
