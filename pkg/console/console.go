// Package console implements the per-job console streaming loop: it
// multiplexes a container's stdout/stderr pipes to the coordinator with
// monotonically increasing chunk offsets, and opportunistically detects
// child exit to trigger a detached shutdown.
package console

import (
	"io"

	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/metrics"
	"github.com/cuemby/nspawnrunner/pkg/process"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

const readBufferSize = 64 * 1024

// Chunk names the stream a console read came from.
type Chunk struct {
	Stream string // "stdout" or "stderr"
	Len    int
}

// Sink is the subset of CoordinatorConnector the streamer needs.
type Sink interface {
	SendJobConsoleLog(jobID types.JobId, startOffset, endOffset uint64, chunks []Chunk, data []byte)
}

type readResult struct {
	stream string
	data   []byte
	err    error
}

// Streamer owns a job's stdout/stderr pipes and forwards their output to a
// Sink until told to shut down.
type Streamer struct {
	jobID  types.JobId
	stdout io.ReadCloser
	stderr io.ReadCloser
	sink   Sink
	child  *process.Child

	// onChildExited is invoked in a detached goroutine when the streamer
	// opportunistically observes the child has exited. It must not be
	// called synchronously: the caller (Supervisor.StopJob) awaits this
	// streamer's termination, so a direct call here would deadlock.
	onChildExited func()

	cmds chan struct{} // closed to signal Shutdown
	done chan struct{} // closed when Run returns
}

// New constructs a Streamer. onChildExited is called (in its own goroutine)
// at most once, the first time the streamer observes the child has exited
// without having received Shutdown.
func New(jobID types.JobId, stdout, stderr io.ReadCloser, child *process.Child, sink Sink, onChildExited func()) *Streamer {
	return &Streamer{
		jobID:         jobID,
		stdout:        stdout,
		stderr:        stderr,
		sink:          sink,
		child:         child,
		onChildExited: onChildExited,
		cmds:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Shutdown signals the streamer to stop and blocks until Run has returned,
// so the caller (Supervisor.StopJob) can rely on the streamer having fully
// terminated before it proceeds to shut down the rendezvous proxies and
// unmount the root filesystem.
func (s *Streamer) Shutdown() {
	close(s.cmds)
	<-s.done
}

// readLoop reads r until it returns an error. A clean closure (io.EOF) is
// reported as a zero-length, error-free result so the main select loop can
// treat it as the "stream closed" case rather than a fatal read error; any
// other error is fatal.
func readLoop(r io.ReadCloser, stream string, out chan<- readResult) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			out <- readResult{stream: stream, data: cp}
		}
		if err != nil {
			if err == io.EOF {
				out <- readResult{stream: stream}
			} else {
				out <- readResult{stream: stream, err: err}
			}
			return
		}
		if n == 0 {
			out <- readResult{stream: stream}
			return
		}
	}
}

// Run drives the streaming loop until Shutdown is called. It must be run on
// its own goroutine.
func (s *Streamer) Run() {
	defer close(s.done)

	stdoutCh := make(chan readResult)
	stderrCh := make(chan readResult)
	go readLoop(s.stdout, "stdout", stdoutCh)
	go readLoop(s.stderr, "stderr", stderrCh)

	var nextOffset uint64
	stoppedOnce := false

	forward := func(stream string, data []byte) {
		start := nextOffset
		end := nextOffset + 1
		s.sink.SendJobConsoleLog(s.jobID, start, end, []Chunk{{Stream: stream, Len: len(data)}}, data)
		metrics.ConsoleBytesTotal.WithLabelValues(stream).Add(float64(len(data)))
		nextOffset++
	}

	probeChildExit := func() {
		if stoppedOnce {
			return
		}
		exited, locked := s.child.TryExited()
		if !locked {
			// Draining is already in progress elsewhere; treat as alive.
			return
		}
		if exited {
			stoppedOnce = true
			go s.onChildExited()
		}
	}

	for {
		select {
		case <-s.cmds:
			return
		case r, ok := <-stdoutCh:
			if !ok {
				stdoutCh = nil
				continue
			}
			if r.err != nil {
				log.Logger.Fatal().Err(r.err).Str("job_id", s.jobID.String()).Msg("console stdout read error")
				return
			}
			if len(r.data) == 0 {
				stdoutCh = nil
				probeChildExit()
				continue
			}
			forward("stdout", r.data)
		case r, ok := <-stderrCh:
			if !ok {
				stderrCh = nil
				continue
			}
			if r.err != nil {
				log.Logger.Fatal().Err(r.err).Str("job_id", s.jobID.String()).Msg("console stderr read error")
				return
			}
			if len(r.data) == 0 {
				stderrCh = nil
				probeChildExit()
				continue
			}
			forward("stderr", r.data)
		}
	}
}
