package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nspawnrunner/pkg/types"
)

type fakeDispatcher struct {
	started []types.StartJob
	stopped []types.StopJob
}

func (f *fakeDispatcher) StartJob(cmd types.StartJob) { f.started = append(f.started, cmd) }
func (f *fakeDispatcher) StopJob(cmd types.StopJob)   { f.stopped = append(f.stopped, cmd) }

func TestSSERunnerConnectorDispatchesStartAndStopJob(t *testing.T) {
	jobID := types.NewJobId()
	envID := types.NewEnvironmentId()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/event-stream")
		startData, _ := json.Marshal(types.StartJob{JobID: jobID, EnvironmentID: envID})
		stopData, _ := json.Marshal(types.StopJob{JobID: jobID})
		_, _ = io.WriteString(w, "event: start_job\ndata: "+string(startData)+"\n\n")
		_, _ = io.WriteString(w, "event: stop_job\ndata: "+string(stopData)+"\n\n")
	}))
	defer srv.Close()

	cfg := &types.RunnerConfig{CoordinatorBaseURL: srv.URL, BoardID: "board-1", ReconnectWait: 3600}
	conn := NewSSERunnerConnector(cfg)
	disp := &fakeDispatcher{}
	conn.SetDispatcher(disp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Run(ctx)

	require.Len(t, disp.started, 1)
	assert.Equal(t, jobID, disp.started[0].JobID)
	require.Len(t, disp.stopped, 1)
	assert.Equal(t, jobID, disp.stopped[0].JobID)
}

func TestSSERunnerConnectorPostJobState(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &types.RunnerConfig{CoordinatorBaseURL: srv.URL, BoardID: "board-1"}
	conn := NewSSERunnerConnector(cfg)

	jobID := types.NewJobId()
	err := conn.PostJobState(jobID, types.Ready(nil))
	require.NoError(t, err)
	assert.Contains(t, gotPath, jobID.String())
	assert.Contains(t, gotPath, "state")
}

func TestDummyRunnerConnectorStartsAndStopsOneJob(t *testing.T) {
	envID := types.NewEnvironmentId()
	conn := NewDummyRunnerConnector(envID, []string{"ssh-ed25519 AAAA"})
	disp := &fakeDispatcher{}
	conn.SetDispatcher(disp)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = conn.Run(ctx)

	require.Len(t, disp.started, 1)
	assert.Equal(t, envID, disp.started[0].EnvironmentID)
	require.Len(t, disp.stopped, 1)
	assert.Equal(t, disp.started[0].JobID, disp.stopped[0].JobID)
}
