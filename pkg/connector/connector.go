// Package connector implements the runner's side of the coordinator
// protocol: receiving StartJob/StopJob commands and reporting job state and
// console output back. Two implementations are provided — a
// Server-Sent-Events client for talking to a real coordinator, and a dummy
// single-job harness for local testing without one.
package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/nspawnrunner/pkg/console"
	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

// Dispatcher receives the commands a connector decodes off the wire. The
// Supervisor implements it; defining it here (rather than importing
// pkg/supervisor) avoids a supervisor<->connector import cycle, since the
// Supervisor also depends on a Connector interface it defines for sending
// state and console updates.
type Dispatcher interface {
	StartJob(cmd types.StartJob)
	StopJob(cmd types.StopJob)
}

// SSERunnerConnector talks to a real coordinator over HTTP: it streams
// commands in via Server-Sent Events and posts state/console updates out via
// plain POST requests.
type SSERunnerConnector struct {
	baseURL          string
	boardID          string
	keepaliveTimeout time.Duration
	reconnectWait    time.Duration

	httpClient *http.Client
	dispatcher Dispatcher
}

// NewSSERunnerConnector constructs a connector from the runner's global
// config. SetDispatcher must be called once, after the Supervisor it will
// dispatch into has been constructed, before Run is called.
func NewSSERunnerConnector(cfg *types.RunnerConfig) *SSERunnerConnector {
	return &SSERunnerConnector{
		baseURL:          strings.TrimRight(cfg.CoordinatorBaseURL, "/"),
		boardID:          cfg.BoardID,
		keepaliveTimeout: time.Duration(cfg.KeepaliveTimeout) * time.Second,
		reconnectWait:    time.Duration(cfg.ReconnectWait) * time.Second,
		httpClient:       &http.Client{},
	}
}

// SetDispatcher wires the connector's non-owning back-reference to the
// Supervisor. It must be called exactly once, before Run.
func (c *SSERunnerConnector) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Run streams commands from the coordinator until ctx is canceled,
// reconnecting on any stream error after reconnectWait.
func (c *SSERunnerConnector) Run(ctx context.Context) error {
	for {
		if err := c.streamOnce(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("connector: event stream disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectWait):
		}
	}
}

func (c *SSERunnerConnector) streamOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/boards/%s/events", c.baseURL, c.boardID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	log.Logger.Info().Str("board_id", c.boardID).Msg("connector: event stream connected")

	// A stream that stays silent for keepaliveTimeout is treated as dead:
	// canceling the request ends the scan and Run reconnects.
	var idle *time.Timer
	if c.keepaliveTimeout > 0 {
		idle = time.AfterFunc(c.keepaliveTimeout, cancel)
		defer idle.Stop()
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if idle != nil {
			idle.Reset(c.keepaliveTimeout)
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			c.dispatchEvent(event, data)
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}

func (c *SSERunnerConnector) dispatchEvent(event, data string) {
	switch event {
	case "start_job":
		var cmd types.StartJob
		if err := json.Unmarshal([]byte(data), &cmd); err != nil {
			log.Logger.Error().Err(err).Msg("connector: malformed start_job event")
			return
		}
		c.dispatcher.StartJob(cmd)
	case "stop_job":
		var cmd types.StopJob
		if err := json.Unmarshal([]byte(data), &cmd); err != nil {
			log.Logger.Error().Err(err).Msg("connector: malformed stop_job event")
			return
		}
		c.dispatcher.StopJob(cmd)
	default:
		log.Logger.Warn().Str("event", event).Msg("connector: unknown event type")
	}
}

type jobStatePayload struct {
	JobID types.JobId    `json:"job_id"`
	State types.JobState `json:"state"`
}

// PostJobState reports a job's lifecycle state to the coordinator.
func (c *SSERunnerConnector) PostJobState(jobID types.JobId, state types.JobState) error {
	url := fmt.Sprintf("%s/boards/%s/jobs/%s/state", c.baseURL, c.boardID, jobID.String())
	return c.postJSON(url, jobStatePayload{JobID: jobID, State: state})
}

type consoleLogPayload struct {
	JobID       types.JobId      `json:"job_id"`
	StartOffset uint64           `json:"start_offset"`
	EndOffset   uint64           `json:"end_offset"`
	Chunks      []console.Chunk `json:"chunks"`
	Data        []byte           `json:"data"`
}

// SendJobConsoleLog reports one batch of console output to the coordinator.
// It implements console.Sink.
func (c *SSERunnerConnector) SendJobConsoleLog(jobID types.JobId, startOffset, endOffset uint64, chunks []console.Chunk, data []byte) {
	url := fmt.Sprintf("%s/boards/%s/jobs/%s/console", c.baseURL, c.boardID, jobID.String())
	payload := consoleLogPayload{JobID: jobID, StartOffset: startOffset, EndOffset: endOffset, Chunks: chunks, Data: data}
	if err := c.postJSON(url, payload); err != nil {
		log.Logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("connector: failed to send console log")
	}
}

func (c *SSERunnerConnector) postJSON(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post %s returned %s", url, resp.Status)
	}
	return nil
}
