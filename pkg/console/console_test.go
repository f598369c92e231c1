package console

import (
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nspawnrunner/pkg/process"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

type recordedChunk struct {
	start, end uint64
	chunks     []Chunk
	data       string
}

type fakeSink struct {
	mu   sync.Mutex
	logs []recordedChunk
}

func (f *fakeSink) SendJobConsoleLog(jobID types.JobId, start, end uint64, chunks []Chunk, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, recordedChunk{start: start, end: end, chunks: chunks, data: string(data)})
}

func (f *fakeSink) snapshot() []recordedChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedChunk(nil), f.logs...)
}

func newIdleChild(t *testing.T) *process.Child {
	t.Helper()
	c, err := process.Start(exec.Command("sleep", "5"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(50 * time.Millisecond) })
	return c
}

func TestStreamerForwardsChunksWithMonotonicOffsets(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	sink := &fakeSink{}
	child := newIdleChild(t)

	s := New(types.NewJobId(), stdoutR, stderrR, child, sink, func() {})
	go s.Run()

	_, _ = stdoutW.Write([]byte("A"))
	_, _ = stderrW.Write([]byte("B"))

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)

	logs := sink.snapshot()
	offsets := map[uint64]recordedChunk{}
	for _, l := range logs {
		offsets[l.start] = l
	}
	require.Len(t, offsets, 2)
	assert.Less(t, offsets[0].start, offsets[1].start)
	for _, l := range logs {
		assert.Equal(t, l.start+1, l.end)
	}

	s.Shutdown()
	_ = stdoutW.Close()
	_ = stderrW.Close()
}

func TestStreamerTriggersDetachedStopOnChildExit(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	sink := &fakeSink{}

	child, err := process.Start(exec.Command("true"))
	require.NoError(t, err)
	<-child.Done()

	var called int32Flag
	s := New(types.NewJobId(), stdoutR, stderrR, child, sink, func() { called.set() })
	go s.Run()

	// A zero-length read (pipe closed) on one stream while the child has
	// already exited must trigger exactly one detached onChildExited call.
	_ = stdoutW.Close()

	require.Eventually(t, called.isSet, time.Second, 5*time.Millisecond)

	s.Shutdown()
	_ = stderrW.Close()
}

type int32Flag struct {
	mu  sync.Mutex
	hit bool
}

func (f *int32Flag) set()          { f.mu.Lock(); f.hit = true; f.mu.Unlock() }
func (f *int32Flag) isSet() bool   { f.mu.Lock(); defer f.mu.Unlock(); return f.hit }
