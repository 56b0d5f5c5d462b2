package executor

import (
	"bufio"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/linegate/linegate/metrics"
)

const defaultGracePeriod = 2 * time.Second

// Supervisor owns the lifecycle of the single worker process: spawn,
// liveness, graceful-then-forced stop. At most one worker is live at a time.
type Supervisor struct {
	Process     string
	ProcessArgs []string
	WorkingDir  string
	Env         []string

	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration

	StderrBufferSizeBytes int
	StdoutBufferSizeBytes int
	LogPrefix             bool

	// Stderr receives the worker's drained stderr lines, os.Stderr when nil.
	Stderr io.Writer

	Metrics *metrics.Worker

	mu      sync.Mutex
	current *WorkerProcess
}

// WorkerProcess is one spawned instance of the worker with its wired stdio
// streams. Stdout is consumed by a line pump feeding the lines channel,
// stderr is drained continuously so the worker can never block on it.
type WorkerProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	lines      chan string
	pumpDone   chan struct{}
	stderrDone <-chan struct{}
	done       chan struct{}

	exitCode int32
}

// Pid returns the operating system process id of the worker.
func (wp *WorkerProcess) Pid() int {
	return wp.cmd.Process.Pid
}

// Exited reports whether the worker process has exited, and its exit code.
func (wp *WorkerProcess) Exited() (int, bool) {
	select {
	case <-wp.done:
		return int(atomic.LoadInt32(&wp.exitCode)), true
	default:
		return 0, false
	}
}

// Lines is the channel of newline-stripped stdout lines. It is closed when
// the worker's stdout reaches end of stream.
func (wp *WorkerProcess) Lines() <-chan string {
	return wp.lines
}

// EnsureStarted spawns the worker if none is live. It is idempotent while a
// worker is running. A worker found to have exited is returned once with the
// internal reference cleared, so the caller can report the exit and the next
// call spawns a replacement.
func (s *Supervisor) EnsureStarted() (*WorkerProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wp := s.current; wp != nil {
		if _, exited := wp.Exited(); exited {
			s.current = nil
			return wp, nil
		}
		return wp, nil
	}

	wp, err := s.spawn()
	if err != nil {
		return nil, err
	}

	s.current = wp
	return wp, nil
}

func (s *Supervisor) spawn() (*WorkerProcess, error) {
	cmd := exec.Command(s.Process, s.ProcessArgs...)
	cmd.Dir = s.WorkingDir
	cmd.Env = s.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	output := s.Stderr
	if output == nil {
		output = os.Stderr
	}

	// Drained continuously into the process log so the worker can never
	// block writing diagnostics.
	stderrDone := bindLoggingPipe("stderr", stderr, output, s.LogPrefix, s.StderrBufferSizeBytes)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	wp := &WorkerProcess{
		cmd:   cmd,
		stdin: stdin,
		// One reply can sit here between exchanges, so a line written
		// just before the worker exits is kept, not lost.
		lines:      make(chan string, 1),
		pumpDone:   make(chan struct{}),
		stderrDone: stderrDone,
		done:       make(chan struct{}),
	}

	go wp.pumpStdout(stdout, s.StdoutBufferSizeBytes)
	go wp.wait()

	if s.Metrics != nil {
		s.Metrics.StartsTotal.Inc()
	}

	log.Printf("Started worker: %s, pid: %d", s.Process, wp.Pid())

	return wp, nil
}

// pumpStdout reads newline-delimited replies from the worker and hands them
// to the current exchange, running until the stream ends. One unconsumed
// reply is held for the next exchange, any further lines are dropped so the
// pump can never block on output nobody is reading.
func (wp *WorkerProcess) pumpStdout(pipe io.Reader, maxBufferSize int) {
	defer close(wp.pumpDone)
	defer close(wp.lines)

	scanner := bufio.NewScanner(pipe)
	if maxBufferSize > 0 {
		scanner.Buffer(make([]byte, maxBufferSize), maxBufferSize)
	}

	for scanner.Scan() {
		select {
		case wp.lines <- scanner.Text():
		default:
			log.Printf("Discarding unread worker output: %q", scanner.Text())
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error scanning worker stdout: %s", err.Error())
		// The stream is broken while the worker may still be running,
		// and no further reply can ever be read from it. Kill the
		// worker so the next exchange spawns a replacement.
		if err := wp.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Printf("Error killing worker with broken stdout: %s", err.Error())
		}
	}
}

// wait records the exit code and unblocks Exited observers. Reaping closes
// the stdio pipes, so it must not start until both drains have seen end of
// stream, or replies still in flight would be lost with them.
func (wp *WorkerProcess) wait() {
	<-wp.pumpDone
	<-wp.stderrDone

	err := wp.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	atomic.StoreInt32(&wp.exitCode, int32(code))
	close(wp.done)

	log.Printf("Worker exited, code: %d", code)
}

// Alive reports whether a worker is currently running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return false
	}
	_, exited := s.current.Exited()
	return !exited
}

// Stop terminates the current worker: SIGTERM, then SIGKILL if it has not
// exited within the grace period. The reference is cleared regardless of
// outcome. Calling Stop with no worker is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wp := s.current
	if wp == nil {
		return nil
	}
	s.current = nil

	if _, exited := wp.Exited(); exited {
		return nil
	}

	grace := s.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	if err := wp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-wp.done:
		return nil
	case <-timer.C:
		log.Printf("Worker ignored SIGTERM for %s, killing pid %d", grace, wp.Pid())
		if err := wp.cmd.Process.Kill(); err != nil {
			return err
		}
		<-wp.done
		return nil
	}
}
