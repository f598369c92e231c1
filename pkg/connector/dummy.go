package connector

import (
	"context"

	"github.com/cuemby/nspawnrunner/pkg/console"
	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

// DummyRunnerConnector drives a single hard-coded job at startup and logs
// state/console updates instead of transmitting them, for exercising a
// runner without a coordinator.
type DummyRunnerConnector struct {
	environmentID types.EnvironmentId
	sshKeys       []string
	dispatcher    Dispatcher
}

// NewDummyRunnerConnector constructs a test-only connector that will start
// one job against environmentID when Run is called.
func NewDummyRunnerConnector(environmentID types.EnvironmentId, sshKeys []string) *DummyRunnerConnector {
	return &DummyRunnerConnector{environmentID: environmentID, sshKeys: sshKeys}
}

// SetDispatcher wires the connector's non-owning back-reference to the
// Supervisor. It must be called exactly once, before Run.
func (c *DummyRunnerConnector) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Run starts the configured job and blocks until ctx is canceled, then
// stops it.
func (c *DummyRunnerConnector) Run(ctx context.Context) error {
	jobID := types.NewJobId()
	log.Logger.Info().Str("job_id", jobID.String()).Str("environment_id", c.environmentID.String()).Msg("dummy connector: starting test job")
	c.dispatcher.StartJob(types.StartJob{
		JobID:         jobID,
		EnvironmentID: c.environmentID,
		SSHKeys:       c.sshKeys,
	})

	<-ctx.Done()

	log.Logger.Info().Str("job_id", jobID.String()).Msg("dummy connector: stopping test job")
	c.dispatcher.StopJob(types.StopJob{JobID: jobID})

	return ctx.Err()
}

// PostJobState logs the job's lifecycle state.
func (c *DummyRunnerConnector) PostJobState(jobID types.JobId, state types.JobState) error {
	log.Logger.Info().
		Str("job_id", jobID.String()).
		Str("kind", string(state.Kind)).
		Str("message", state.StatusMessage).
		Msg("dummy connector: job state")
	return nil
}

// SendJobConsoleLog logs the console output instead of transmitting it. It
// implements console.Sink.
func (c *DummyRunnerConnector) SendJobConsoleLog(jobID types.JobId, startOffset, endOffset uint64, chunks []console.Chunk, data []byte) {
	log.Logger.Debug().
		Str("job_id", jobID.String()).
		Uint64("start_offset", startOffset).
		Uint64("end_offset", endOffset).
		Int("bytes", len(data)).
		Msg("dummy connector: console output")
}
