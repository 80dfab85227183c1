// Package external runs activity jobs on a system outside this process,
// such as a cluster scheduler, and publishes their output locally once the
// job has succeeded.
//
// The job and environment are built here and handed to a Submitter, which
// only has to start the rendered command, report its phase, and clean up.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/pipeline"
	"github.com/seantiz/packtivity/internal/state"
	"github.com/seantiz/packtivity/internal/steplog"
)

// ProxyName identifies external job proxies.
const ProxyName = "ExternalProxy"

// ErrJobGone is returned by Submitter.Status when the external system no
// longer knows the job, typically because it was cleaned up after success.
var ErrJobGone = errors.New("external job no longer exists")

// Job is an activity ready to run elsewhere.
type Job struct {
	// ID is unique per submission and usable in resource names.
	ID          string
	Name        string
	Job         model.Job
	Environment model.Environment
	State       *state.LocalFS
	// Command is the sh -c payload: the job plus tee'ing its output into
	// the run topic log under the state's metadata directory.
	Command string
}

// Submitter starts and tracks jobs on an external system. The job proxy it
// returns is opaque here and must carry everything Status and Cleanup need.
type Submitter interface {
	Submit(ctx context.Context, job Job) (json.RawMessage, error)
	// Status reports pending, succeeded or failed.
	Status(ctx context.Context, jobProxy json.RawMessage) (backend.Phase, error)
	// Cleanup removes what Submit created. It is called once, after the
	// first observed success.
	Cleanup(ctx context.Context, jobProxy json.RawMessage) error
}

// Proxy tracks one external job. The outcome is cached once the job has
// been seen to finish, so later calls never reach the external system.
type Proxy struct {
	Spec       model.ActivitySpec `json:"spec"`
	State      json.RawMessage    `json:"statedata,omitempty"`
	Parameters json.RawMessage    `json:"pardata"`
	Metadata   model.Metadata     `json:"metadata"`
	JobProxy   json.RawMessage    `json:"jobproxy,omitempty"`
	Outcome    backend.Outcome    `json:"outcome"`

	mu sync.Mutex
}

func (p *Proxy) ProxyName() string { return ProxyName }
func (p *Proxy) Details() any      { return p }

// LoadProxy rebuilds an external proxy from its details.
func LoadProxy(details json.RawMessage) (backend.Proxy, error) {
	var p Proxy
	if err := json.Unmarshal(details, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Backend submits jobs through a Submitter. Outcomes are also kept per job
// proxy, so a proxy reloaded from JSON after cleanup still resolves in the
// process that observed the job finish.
type Backend struct {
	runner    *pipeline.Runner
	submitter Submitter
	logger    *slog.Logger

	mu       sync.Mutex
	finished map[string]backend.Outcome
}

var _ backend.Async = (*Backend)(nil)

// New creates an external job backend.
func New(runner *pipeline.Runner, s Submitter, logger *slog.Logger) *Backend {
	return &Backend{
		runner:    runner,
		submitter: s,
		logger:    logger,
		finished:  make(map[string]backend.Outcome),
	}
}

// RunLogPath is where a rendered job tees its output.
func RunLogPath(metadir, name string) string {
	return path.Join(metadir, name+"."+steplog.TopicRun+".log")
}

// RenderCommand wraps a job so that its combined output also lands in the
// run topic log of name under metadir.
func RenderCommand(job model.Job, metadir, name string) string {
	logpath := RunLogPath(metadir, name)
	if job.IsScript() {
		return fmt.Sprintf("mkdir -p %s; cat << 'RECASTJOB' | %s 2>&1 | tee %s \n%s\nRECASTJOB\n",
			metadir, job.Interpreter, logpath, job.Script)
	}
	return fmt.Sprintf("mkdir -p %s; (%s) 2>&1 | tee %s", metadir, job.Command, logpath)
}

func (b *Backend) Prepublish(ctx context.Context, req backend.Request) (*datamodel.Data, error) {
	return b.runner.Prepublish(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
}

// Submit builds the job and hands it to the submitter. Activities without a
// job are published on the spot.
func (b *Backend) Submit(ctx context.Context, req backend.Request) (backend.Proxy, error) {
	p := &Proxy{Spec: req.Spec, Metadata: req.Metadata, Parameters: json.RawMessage(`{}`)}
	var err error
	if req.Parameters != nil {
		if p.Parameters, err = json.Marshal(req.Parameters); err != nil {
			return nil, fmt.Errorf("marshal parameters: %w", err)
		}
	}
	if req.State != nil {
		if p.State, err = json.Marshal(req.State); err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
	}

	job, env, _, err := b.runner.Build(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
	if err != nil {
		return nil, err
	}
	if job == nil {
		p.Outcome = b.publish(ctx, req)
		return p, nil
	}
	if req.State == nil {
		return nil, fmt.Errorf("external job %q: a state is required", req.Metadata.Name)
	}

	ext := Job{
		ID:          model.NewID(),
		Name:        req.Metadata.Name,
		Job:         *job,
		Environment: *env,
		State:       req.State,
		Command:     RenderCommand(*job, req.State.MetaDir(), req.Metadata.Name),
	}
	if p.JobProxy, err = b.submitter.Submit(ctx, ext); err != nil {
		return nil, fmt.Errorf("submit external job: %w", err)
	}
	b.logger.Info("external job submitted", "name", req.Metadata.Name, "job", string(p.JobProxy))
	return p, nil
}

func (b *Backend) publish(ctx context.Context, req backend.Request) backend.Outcome {
	var raw json.RawMessage
	out, err := b.runner.Finish(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
	if err == nil {
		raw, err = json.Marshal(out)
	}
	o, _ := backend.Outcome{}.Resolve(raw, err)
	return o
}

func proxyOf(p backend.Proxy) (*Proxy, error) {
	ep, ok := p.(*Proxy)
	if !ok {
		return nil, backend.ErrWrongProxy
	}
	return ep, nil
}

// Ready polls the submitter until the job finishes. On the first success
// it cleans up the job's resources and publishes the output.
//
// A job the submitter no longer knows was cleaned up by whoever saw it
// succeed first. If its run log is on the state, it is treated as
// succeeded and published here; otherwise it failed.
func (b *Backend) Ready(ctx context.Context, p backend.Proxy) (bool, error) {
	ep, err := proxyOf(p)
	if err != nil {
		return false, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if b.restore(ep) {
		return true, nil
	}

	phase, err := b.submitter.Status(ctx, ep.JobProxy)
	gone := errors.Is(err, ErrJobGone)
	if err != nil && !gone {
		return false, fmt.Errorf("external job status: %w", err)
	}

	if phase == backend.PhaseSucceeded && !gone {
		if err := b.submitter.Cleanup(ctx, ep.JobProxy); err != nil {
			b.logger.Warn("external job cleanup failed", "name", ep.Metadata.Name, "error", err)
		}
	}

	var req backend.Request
	if phase == backend.PhaseSucceeded || gone {
		if req, err = backend.DecodeRequest(ep.Spec, ep.Parameters, ep.State, ep.Metadata); err != nil {
			ep.Outcome, _ = ep.Outcome.Resolve(nil, err)
			b.remember(ep)
			return true, nil
		}
	}
	if gone {
		phase = backend.PhaseFailed
		if req.State != nil && fileExists(RunLogPath(req.State.MetaDir(), ep.Metadata.Name)) {
			phase = backend.PhaseSucceeded
		}
	}

	switch phase {
	case backend.PhaseSucceeded:
		ep.Outcome = b.publish(ctx, req)
	case backend.PhaseFailed:
		msg := fmt.Sprintf("external job %q failed", ep.Metadata.Name)
		if gone {
			msg = fmt.Sprintf("external job %q no longer exists and left no run log", ep.Metadata.Name)
		}
		ep.Outcome, _ = ep.Outcome.Fail(&backend.Diagnostic{Code: backend.CodeExecution, Message: msg})
	default:
		return false, nil
	}
	b.remember(ep)
	b.logger.Info("external job finished", "name", ep.Metadata.Name, "phase", ep.Outcome.Phase, "gone", gone)
	return true, nil
}

func (b *Backend) remember(ep *Proxy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished[string(ep.JobProxy)] = ep.Outcome
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (b *Backend) outcome(p backend.Proxy) (backend.Outcome, error) {
	ep, err := proxyOf(p)
	if err != nil {
		return backend.Outcome{}, err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !b.restore(ep) {
		return backend.Outcome{}, backend.ErrNotReady
	}
	return ep.Outcome, nil
}

// restore fills in a finished outcome seen earlier for the same job and
// reports whether ep is final. ep.mu must be held.
func (b *Backend) restore(ep *Proxy) bool {
	if ep.Outcome.Ready() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.finished[string(ep.JobProxy)]
	if ok {
		ep.Outcome = o
	}
	return ok
}

func (b *Backend) Successful(_ context.Context, p backend.Proxy) (bool, error) {
	o, err := b.outcome(p)
	if err != nil {
		return false, err
	}
	return o.Phase == backend.PhaseSucceeded, nil
}

// Result returns the published output, or the failure diagnostic as error.
func (b *Backend) Result(_ context.Context, p backend.Proxy) (*datamodel.Data, error) {
	o, err := b.outcome(p)
	if err != nil {
		return nil, err
	}
	return backend.OutcomeResult(o, nil)
}

func (b *Backend) FailInfo(_ context.Context, p backend.Proxy) *backend.Diagnostic {
	o, err := b.outcome(p)
	if err != nil {
		if errors.Is(err, backend.ErrNotReady) {
			return nil
		}
		return backend.DiagnosticFrom(err)
	}
	return o.Diagnostic
}
