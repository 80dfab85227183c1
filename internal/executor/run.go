package executor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	maxLineSize = 1 << 20
	waitDelay   = 500 * time.Millisecond
)

// RunOptions configures one child process.
type RunOptions struct {
	Dir    string
	Env    []string
	Stdin  string
	Logger *slog.Logger
}

// Result describes a finished child process.
type Result struct {
	ExitCode int
	Lines    []string
	Duration time.Duration
}

// RunFunc runs a command line; Run is the default.
type RunFunc func(ctx context.Context, argv CommandLine, opts RunOptions) (Result, error)

// Run starts argv, logs every line of combined output at info level while
// the process is live, and waits for it. A non-zero exit or a failure to
// start returns an *ExecutionError. Cancelling ctx kills the child's whole
// process group.
func Run(ctx context.Context, argv CommandLine, opts RunOptions) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(argv) == 0 {
		return Result{ExitCode: -1}, &ExecutionError{ExitCode: -1, Err: errors.New("empty command")}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.WaitDelay = waitDelay
	killGroup(cmd)
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var lines []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			lines = append(lines, line)
			logger.Info(line)
		}
		// Drain so the writer never blocks on an over-long line.
		_, _ = io.Copy(io.Discard, pr)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		<-done
		observeRun(resultStartFailed, time.Since(start))
		return Result{ExitCode: -1}, &ExecutionError{Command: argv.String(), ExitCode: -1, Err: err}
	}

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	res := Result{Lines: lines, Duration: time.Since(start)}
	if waitErr != nil {
		execErr := &ExecutionError{Command: argv.String(), Err: waitErr}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
			if sig, ok := exitSignal(exitErr); ok {
				// Shell convention for a signalled child.
				execErr.ExitCode = 128 + int(sig)
				execErr.Signal = sig.String()
			}
		} else {
			execErr.ExitCode = -1
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			execErr.Err = errors.Join(waitErr, ctxErr)
		}
		res.ExitCode = execErr.ExitCode
		observeRun(resultFailed, res.Duration)
		return res, execErr
	}
	observeRun(resultSucceeded, res.Duration)
	return res, nil
}
