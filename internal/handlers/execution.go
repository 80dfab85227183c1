package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/steplog"
)

var errNoState = errors.New("handler requires a state")

var errNoExecutor = errors.New("invocation has no executor")

func dockerExecution(ctx context.Context, inv *Invocation, env model.Environment, job model.Job) (executor.CommandLine, error) {
	if inv.State == nil {
		return nil, errNoState
	}
	if inv.Executor == nil {
		return nil, errNoExecutor
	}
	if job.Command == "" && !job.IsScript() {
		return nil, &model.TemplateError{Reason: "job has neither command nor script"}
	}
	job.TTY = job.TTY || inv.Interactive

	spec, err := executor.BuildSpec(env, job, inv.State, inv.Metadata, inv.Executor.Config())
	if err != nil {
		return nil, err
	}
	err = steplog.With(inv.Scope(), steplog.TopicStep, func(l *slog.Logger) error {
		l.Debug("container environment",
			"image", spec.Image,
			"envscript", env.EnvScript,
			"resources", env.Resources,
			"mounts", len(spec.Mounts),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	argv, err := inv.Executor.RunContainer(ctx, inv.Scope(), spec)
	if err != nil {
		return nil, err
	}
	if job.TTY {
		return argv, nil
	}
	return nil, nil
}

func localProcExecution(ctx context.Context, inv *Invocation, env model.Environment, job model.Job) (executor.CommandLine, error) {
	if inv.Executor == nil {
		return nil, errNoExecutor
	}
	if job.Command == "" && !job.IsScript() {
		return nil, &model.TemplateError{Reason: "job has neither command nor script"}
	}
	if inv.State != nil {
		if err := inv.State.Ensure(); err != nil {
			return nil, err
		}
	}
	return nil, inv.Executor.RunLocal(ctx, inv.Scope(), job, env, inv.State)
}

func noopExecution(_ context.Context, inv *Invocation, env model.Environment, job model.Job) (executor.CommandLine, error) {
	return nil, steplog.With(inv.Scope(), steplog.TopicStep, func(l *slog.Logger) error {
		l.Info("would be running job", "job", job, "environment", env.Type, "state", stateJSON(inv))
		return nil
	})
}

func testExecution(_ context.Context, inv *Invocation, env model.Environment, job model.Job) (executor.CommandLine, error) {
	return nil, steplog.With(inv.Scope(), steplog.TopicStep, func(l *slog.Logger) error {
		l.Info("a complicated test environment")
		l.Info("job", "job", job)
		l.Info("env", "environment", env)
		l.Info("state", "state", stateJSON(inv))
		return nil
	})
}

func manualExecution(_ context.Context, inv *Invocation, env model.Environment, _ model.Job) (executor.CommandLine, error) {
	var st any
	if raw := stateJSON(inv); raw != nil {
		_ = json.Unmarshal(raw, &st)
	}
	dump, err := yaml.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("dump state: %w", err)
	}
	out := inv.console().Out
	fmt.Fprintln(out, env.Instructions)
	fmt.Fprint(out, string(dump))
	return nil, nil
}

func stateJSON(inv *Invocation) json.RawMessage {
	if inv.State == nil {
		return nil
	}
	raw, err := inv.State.MarshalJSON()
	if err != nil {
		return nil
	}
	return raw
}
