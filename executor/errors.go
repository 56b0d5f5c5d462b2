package executor

import (
	"errors"
	"fmt"
)

// ErrNoOutput is returned when the worker produced no reply line before the
// exchange timeout, or closed its stdout without writing one.
var ErrNoOutput = errors.New("worker produced no output")

// WorkerUnavailableError is returned when the worker process has already
// exited and the exchange could not be attempted.
type WorkerUnavailableError struct {
	ExitCode int
}

func (e *WorkerUnavailableError) Error() string {
	return fmt.Sprintf("worker process exited with code %d", e.ExitCode)
}

// StreamClosedError is returned when writing the query to the worker's stdin
// failed, typically because the pipe broke when the worker died mid-exchange.
type StreamClosedError struct {
	Err error
}

func (e *StreamClosedError) Error() string {
	return fmt.Sprintf("worker stdin closed: %s", e.Err)
}

func (e *StreamClosedError) Unwrap() error {
	return e.Err
}
