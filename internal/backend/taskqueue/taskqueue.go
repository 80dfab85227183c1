// Package taskqueue is an async backend that stores submitted activities in
// the task store. Workers sharing the store run them; proxies resolve from
// any process that can open the store.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/pipeline"
	"github.com/seantiz/packtivity/internal/store"
)

// ProxyName identifies task queue proxies.
const ProxyName = "TaskQueueProxy"

// Proxy names one queued task.
type Proxy struct {
	TaskID string `json:"task_id"`
}

func (p *Proxy) ProxyName() string { return ProxyName }
func (p *Proxy) Details() any      { return p }

// LoadProxy rebuilds a task queue proxy from its details.
func LoadProxy(details json.RawMessage) (backend.Proxy, error) {
	var p Proxy
	if err := json.Unmarshal(details, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errors.New("missing task_id")
	}
	return &p, nil
}

// Backend queues activities in a store.
type Backend struct {
	store  store.Store
	runner *pipeline.Runner
	notify func()
}

var _ backend.Async = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithNotify calls fn after every successful submit, e.g. to wake workers.
func WithNotify(fn func()) Option {
	return func(b *Backend) { b.notify = fn }
}

// New creates a queue backend. runner is only used for prepublishing.
func New(s store.Store, runner *pipeline.Runner, opts ...Option) *Backend {
	b := &Backend{store: s, runner: runner}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Prepublish(ctx context.Context, req backend.Request) (*datamodel.Data, error) {
	return b.runner.Prepublish(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
}

// NewTask serializes req into a pending task.
func NewTask(req backend.Request) (*model.Task, error) {
	spec, err := json.Marshal(req.Spec)
	if err != nil {
		return nil, fmt.Errorf("marshal spec: %w", err)
	}
	pars := json.RawMessage(`{}`)
	if req.Parameters != nil {
		if pars, err = json.Marshal(req.Parameters); err != nil {
			return nil, fmt.Errorf("marshal parameters: %w", err)
		}
	}
	var st json.RawMessage
	if req.State != nil {
		if st, err = json.Marshal(req.State); err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
	}
	return &model.Task{
		ID:         model.NewID(),
		Status:     model.StatusPending,
		Name:       req.Metadata.Name,
		Spec:       spec,
		Parameters: pars,
		State:      st,
	}, nil
}

// TaskRequest rebuilds the request a task was created from.
func TaskRequest(t *model.Task) (backend.Request, error) {
	var spec model.ActivitySpec
	if err := json.Unmarshal(t.Spec, &spec); err != nil {
		return backend.Request{}, fmt.Errorf("decode spec: %w", err)
	}
	return backend.DecodeRequest(spec, t.Parameters, t.State, model.Metadata{Name: t.Name})
}

func (b *Backend) Submit(ctx context.Context, req backend.Request) (backend.Proxy, error) {
	t, err := NewTask(req)
	if err != nil {
		return nil, err
	}
	if err := b.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if b.notify != nil {
		b.notify()
	}
	return &Proxy{TaskID: t.ID}, nil
}

func (b *Backend) task(ctx context.Context, p backend.Proxy) (*model.Task, error) {
	tp, ok := p.(*Proxy)
	if !ok {
		return nil, backend.ErrWrongProxy
	}
	return b.store.GetTask(ctx, tp.TaskID)
}

func (b *Backend) finished(ctx context.Context, p backend.Proxy) (*model.Task, error) {
	t, err := b.task(ctx, p)
	if err != nil {
		return nil, err
	}
	if !model.Terminal(t.Status) {
		return nil, backend.ErrNotReady
	}
	return t, nil
}

func (b *Backend) Ready(ctx context.Context, p backend.Proxy) (bool, error) {
	t, err := b.task(ctx, p)
	if err != nil {
		return false, err
	}
	return model.Terminal(t.Status), nil
}

func (b *Backend) Successful(ctx context.Context, p backend.Proxy) (bool, error) {
	t, err := b.finished(ctx, p)
	if err != nil {
		return false, err
	}
	return t.Status == model.StatusCompleted, nil
}

// Result returns the stored output, or the stored diagnostic as error.
func (b *Backend) Result(ctx context.Context, p backend.Proxy) (*datamodel.Data, error) {
	t, err := b.finished(ctx, p)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusCompleted {
		return nil, Diagnostic(t)
	}
	return datamodel.Parse(t.Result, nil)
}

func (b *Backend) FailInfo(ctx context.Context, p backend.Proxy) *backend.Diagnostic {
	t, err := b.finished(ctx, p)
	if errors.Is(err, backend.ErrNotReady) {
		return nil
	}
	if err != nil {
		return backend.DiagnosticFrom(err)
	}
	if t.Status == model.StatusCompleted {
		return nil
	}
	return Diagnostic(t)
}

// Diagnostic reads the failure recorded on a task.
func Diagnostic(t *model.Task) *backend.Diagnostic {
	code := t.ErrorCode
	if code == "" {
		code = backend.CodeInternal
	}
	return &backend.Diagnostic{
		Code:     code,
		Message:  t.Error,
		Command:  t.Command,
		ExitCode: t.ExitCode,
	}
}

// Failure converts a diagnostic into the form the store records.
func Failure(d *backend.Diagnostic) store.Failure {
	return store.Failure{
		Code:     d.Code,
		Message:  d.Message,
		Command:  d.Command,
		ExitCode: d.ExitCode,
	}
}
