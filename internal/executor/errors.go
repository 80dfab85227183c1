package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrExecution matches every ExecutionError.
	ErrExecution = errors.New("execution failed")

	// ErrStaleContainer is returned when the container id file of an
	// invocation already exists.
	ErrStaleContainer = errors.New("container id file already exists")

	// ErrUnsupportedRuntime is returned for an unknown container runtime.
	ErrUnsupportedRuntime = errors.New("unsupported container runtime")
)

// ExecutionError is a child process that could not start or exited non-zero.
// ExitCode is -1 when the process never ran. A child killed by a signal
// carries the signal name and exit code 128+signal.
type ExecutionError struct {
	Command  string
	ExitCode int
	Signal   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("command %q killed by signal %s", e.Command, e.Signal)
	}
	if e.ExitCode < 0 {
		return fmt.Sprintf("command %q failed to start: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}
