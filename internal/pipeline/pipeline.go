// Package pipeline runs one activity: finalize inputs, build the job and
// environment, run the job, publish.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/executor"
	"github.com/seantiz/packtivity/internal/handlers"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/state"
	"github.com/seantiz/packtivity/internal/steplog"
)

// Runner runs activities against a handler registry. It holds no
// per-activity state and is safe for concurrent use on distinct states.
type Runner struct {
	reg     *handlers.Registry
	exec    *executor.Executor
	console handlers.Console
	sink    func(topic, line string)
	stream  io.Writer
}

// Option configures a Runner.
type Option func(*Runner)

// WithConsole sets the console used by interactive handlers.
func WithConsole(c handlers.Console) Option {
	return func(r *Runner) { r.console = c }
}

// WithSink forwards every topic log line to fn.
func WithSink(fn func(topic, line string)) Option {
	return func(r *Runner) { r.sink = fn }
}

// WithStream redirects the step topic stream, stderr by default.
func WithStream(w io.Writer) Option {
	return func(r *Runner) { r.stream = w }
}

// New creates a Runner.
func New(reg *handlers.Registry, exec *executor.Executor, opts ...Option) *Runner {
	r := &Runner{reg: reg, exec: exec, console: handlers.StdConsole()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// With returns a copy of r with opts applied.
func (r *Runner) With(opts ...Option) *Runner {
	c := *r
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Registry returns the handler registry.
func (r *Runner) Registry() *handlers.Registry { return r.reg }

// Executor returns the executor handlers run jobs with.
func (r *Runner) Executor() *executor.Executor { return r.exec }

func (r *Runner) invocation(st *state.LocalFS, meta model.Metadata) *handlers.Invocation {
	return &handlers.Invocation{
		State:    st,
		Metadata: meta,
		Executor: r.exec,
		Console:  r.console,
		Sink:     r.sink,
		Stream:   r.stream,
	}
}

// FinalizeInputs binds pars to the state's leaf model and replaces
// directory placeholders such as {workdir} in every string leaf.
func (r *Runner) FinalizeInputs(pars *datamodel.Data, st *state.LocalFS) (*datamodel.Data, error) {
	if pars == nil {
		pars = datamodel.MustNew(map[string]any{}, nil)
	}
	if st == nil {
		return pars, nil
	}
	bound, err := datamodel.New(pars.JSON(), st.LeafModel())
	if err != nil {
		return nil, err
	}
	return bound.MapStrings(func(_ datamodel.Pointer, s string) (string, error) {
		return st.Contextualize(s), nil
	})
}

// AcquireJobEnv builds the job and environment. Both are nil unless the
// activity declares a process and an environment.
func (r *Runner) AcquireJobEnv(ctx context.Context, inv *handlers.Invocation, spec model.ActivitySpec, pars *datamodel.Data) (*model.Job, *model.Environment, error) {
	if len(spec.Process) == 0 || len(spec.Environment) == 0 {
		return nil, nil, nil
	}
	defer observePhase(phaseBuild, time.Now())

	ph, err := r.reg.ProcessFor(spec.Process)
	if err != nil {
		return nil, nil, err
	}
	job, err := ph(ctx, inv, spec.Process, pars)
	if err != nil {
		return nil, nil, err
	}

	eh, err := r.reg.EnvironmentFor(spec.Environment)
	if err != nil {
		return nil, nil, err
	}
	env, err := eh(ctx, inv, spec.Environment, pars)
	if err != nil {
		return nil, nil, err
	}
	if env.Type == "" {
		env.Type = spec.Environment.Type(model.EnvironmentTypeKey)
	}
	return &job, &env, nil
}

// RunInEnv runs job in env. Failures are logged to the step topic and
// returned unchanged.
func (r *Runner) RunInEnv(ctx context.Context, inv *handlers.Invocation, job *model.Job, env *model.Environment) (executor.CommandLine, error) {
	if job == nil || env == nil {
		return nil, nil
	}
	defer observePhase(phaseRun, time.Now())

	h, err := r.reg.ExecutorFor(*env)
	if err != nil {
		return nil, err
	}
	argv, runErr := h(ctx, inv, *env, *job)
	if runErr != nil {
		_ = steplog.With(inv.Scope(), steplog.TopicStep, func(l *slog.Logger) error {
			l.Error("activity failed", "step", inv.Metadata.Name, "environment", env.Type, "error", runErr)
			return nil
		})
	}
	return argv, runErr
}

// Publish computes the output and binds it to the parameters' leaf model.
func (r *Runner) Publish(ctx context.Context, inv *handlers.Invocation, tmpl model.Template, pars *datamodel.Data) (*datamodel.Data, error) {
	defer observePhase(phasePublish, time.Now())

	h, err := r.reg.PublisherFor(tmpl)
	if err != nil {
		return nil, err
	}
	out, err := h(ctx, inv, tmpl, pars)
	if err != nil {
		return nil, err
	}
	return datamodel.New(out, pars.Model())
}

// Prepublish publishes without running when the publisher's output depends
// on parameters alone. It returns nil, nil otherwise.
func (r *Runner) Prepublish(ctx context.Context, spec model.ActivitySpec, pars *datamodel.Data, st *state.LocalFS, meta model.Metadata) (*datamodel.Data, error) {
	if !handlers.Prepublishable(spec.Publisher) {
		return nil, nil
	}
	pars, err := r.FinalizeInputs(pars, st)
	if err != nil {
		return nil, err
	}
	out, err := r.Publish(ctx, r.invocation(st, meta), spec.Publisher, pars)
	if err != nil {
		return nil, err
	}
	activitiesTotal.WithLabelValues(outcomePrepublished).Inc()
	return out, nil
}

// Run executes the whole activity and returns its published output.
func (r *Runner) Run(ctx context.Context, spec model.ActivitySpec, pars *datamodel.Data, st *state.LocalFS, meta model.Metadata) (*datamodel.Data, error) {
	out, err := r.run(ctx, spec, pars, st, meta)
	if err != nil {
		activitiesTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, err
	}
	activitiesTotal.WithLabelValues(outcomePublished).Inc()
	return out, nil
}

func (r *Runner) run(ctx context.Context, spec model.ActivitySpec, pars *datamodel.Data, st *state.LocalFS, meta model.Metadata) (*datamodel.Data, error) {
	inv := r.invocation(st, meta)
	pars, err := r.FinalizeInputs(pars, st)
	if err != nil {
		return nil, err
	}
	job, env, err := r.AcquireJobEnv(ctx, inv, spec, pars)
	if err != nil {
		return nil, err
	}
	if _, err := r.RunInEnv(ctx, inv, job, env); err != nil {
		return nil, err
	}
	return r.Publish(ctx, inv, spec.Publisher, pars)
}

// Build finalizes pars and builds the job and environment without running
// them. Job and environment are nil for publisher-only activities.
func (r *Runner) Build(ctx context.Context, spec model.ActivitySpec, pars *datamodel.Data, st *state.LocalFS, meta model.Metadata) (*model.Job, *model.Environment, *datamodel.Data, error) {
	pars, err := r.FinalizeInputs(pars, st)
	if err != nil {
		return nil, nil, nil, err
	}
	job, env, err := r.AcquireJobEnv(ctx, r.invocation(st, meta), spec, pars)
	if err != nil {
		return nil, nil, nil, err
	}
	return job, env, pars, nil
}

// Finish publishes the output of an activity whose job ran elsewhere.
func (r *Runner) Finish(ctx context.Context, spec model.ActivitySpec, pars *datamodel.Data, st *state.LocalFS, meta model.Metadata) (*datamodel.Data, error) {
	pars, err := r.FinalizeInputs(pars, st)
	if err != nil {
		return nil, err
	}
	out, err := r.Publish(ctx, r.invocation(st, meta), spec.Publisher, pars)
	if err != nil {
		activitiesTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, err
	}
	activitiesTotal.WithLabelValues(outcomePublished).Inc()
	return out, nil
}

// Shell builds the activity's job and environment and returns the
// interactive command line instead of running it. It is meant for
// debugging container environments.
func (r *Runner) Shell(ctx context.Context, spec model.ActivitySpec, pars *datamodel.Data, st *state.LocalFS, meta model.Metadata) (executor.CommandLine, error) {
	inv := r.invocation(st, meta)
	inv.Interactive = true
	pars, err := r.FinalizeInputs(pars, st)
	if err != nil {
		return nil, err
	}
	job, env, err := r.AcquireJobEnv(ctx, inv, spec, pars)
	if err != nil {
		return nil, err
	}
	return r.RunInEnv(ctx, inv, job, env)
}
