package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/state"
	"github.com/seantiz/packtivity/internal/steplog"
)

// Executor runs jobs according to an execution config.
type Executor struct {
	cfg config.Execution
	run RunFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithRunFunc replaces the function used to start child processes.
func WithRunFunc(fn RunFunc) Option {
	return func(e *Executor) { e.run = fn }
}

// New creates an Executor.
func New(cfg config.Execution, opts ...Option) *Executor {
	e := &Executor{cfg: cfg, run: Run}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the execution config.
func (e *Executor) Config() config.Execution {
	return e.cfg
}

// Derive returns an Executor with cfg that starts processes the same way as e.
func (e *Executor) Derive(cfg config.Execution) *Executor {
	return &Executor{cfg: cfg, run: e.run}
}

// RunCommand runs argv on the host, logging its output under topic.
func (e *Executor) RunCommand(ctx context.Context, scope steplog.Scope, topic string, argv CommandLine) error {
	return steplog.With(scope, topic, func(l *slog.Logger) error {
		l.Info("running command", "command", argv.String())
		if e.cfg.DryRun {
			return nil
		}
		_, err := e.run(ctx, argv, RunOptions{Logger: l})
		if err != nil {
			l.Error("command failed", "error", err)
		}
		return err
	})
}

// RunContainer runs spec through the configured container runtime. For TTY
// specs it returns the command line without running anything.
func (e *Executor) RunContainer(ctx context.Context, scope steplog.Scope, spec Spec) (CommandLine, error) {
	argv, err := RunArgs(spec, e.cfg)
	if err != nil {
		return nil, err
	}
	if spec.TTY {
		return argv, nil
	}

	if !e.cfg.NoPull && !e.cfg.DryRun {
		if pull := PullArgs(spec.Image, e.cfg); pull != nil {
			err := steplog.With(scope, steplog.TopicPull, func(l *slog.Logger) error {
				l.Info("pulling image", "image", spec.Image)
				_, err := e.run(ctx, pull, RunOptions{Logger: l})
				return err
			})
			if err != nil {
				return argv, fmt.Errorf("pull %s: %w", spec.Image, err)
			}
		}
	}

	return argv, steplog.With(scope, steplog.TopicRun, func(l *slog.Logger) error {
		if spec.CIDFile != "" {
			if _, err := os.Stat(spec.CIDFile); err == nil {
				l.Warn("container id file exists, another container may still be running", "cidfile", spec.CIDFile)
				return fmt.Errorf("%w: %s", ErrStaleContainer, spec.CIDFile)
			}
			if err := os.MkdirAll(filepath.Dir(spec.CIDFile), 0o755); err != nil {
				return fmt.Errorf("create cidfile dir: %w", err)
			}
		}

		l.Info("running container", "command", argv.String())
		if e.cfg.DryRun {
			l.Info("dry run, skipping execution")
			return nil
		}
		defer func() {
			if spec.CIDFile != "" {
				_ = os.Remove(spec.CIDFile)
			}
		}()
		_, err := e.run(ctx, argv, RunOptions{Stdin: spec.Stdin, Logger: l})
		if err != nil {
			l.Error("container run failed", "error", err)
		}
		return err
	})
}

// RunLocal runs job through sh in the environment's workdir, falling back
// to the state's workdir.
func (e *Executor) RunLocal(ctx context.Context, scope steplog.Scope, job model.Job, env model.Environment, st *state.LocalFS) error {
	argv, stdin := JobArgv(job, env)
	dir := env.Workdir
	if dir == "" && st != nil {
		dir = st.Workdir()
	}

	var envv []string
	if len(env.Env) > 0 {
		envv = os.Environ()
		for k, v := range env.Env {
			envv = append(envv, k+"="+v)
		}
	}

	return steplog.With(scope, steplog.TopicRun, func(l *slog.Logger) error {
		l.Info("running local process", "command", CommandLine(argv).String(), "dir", dir)
		if e.cfg.DryRun {
			l.Info("dry run, skipping execution")
			return nil
		}
		_, err := e.run(ctx, argv, RunOptions{Dir: dir, Env: envv, Stdin: stdin, Logger: l})
		if err != nil {
			var ee *ExecutionError
			if errors.As(err, &ee) {
				l.Error("local process failed", "command", ee.Command, "exit_code", ee.ExitCode)
			}
		}
		return err
	})
}
