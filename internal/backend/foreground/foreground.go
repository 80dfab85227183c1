// Package foreground is an async backend that runs each activity inside
// Submit. Its proxies carry the finished outcome, so any process can read
// them.
package foreground

import (
	"context"
	"encoding/json"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/pipeline"
)

// ProxyName identifies foreground proxies.
const ProxyName = "ForegroundProxy"

// Proxy holds the outcome of a run that already happened.
type Proxy struct {
	Outcome backend.Outcome `json:"outcome"`
}

func (p *Proxy) ProxyName() string { return ProxyName }
func (p *Proxy) Details() any      { return p }

// LoadProxy rebuilds a foreground proxy from its details.
func LoadProxy(details json.RawMessage) (backend.Proxy, error) {
	var p Proxy
	if err := json.Unmarshal(details, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Backend runs activities synchronously behind the async interface.
type Backend struct {
	runner *pipeline.Runner
}

var _ backend.Async = (*Backend)(nil)

// New creates a foreground backend.
func New(runner *pipeline.Runner) *Backend {
	return &Backend{runner: runner}
}

func (b *Backend) Prepublish(ctx context.Context, req backend.Request) (*datamodel.Data, error) {
	return b.runner.Prepublish(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
}

// Submit runs the activity to completion. Activity failures are recorded in
// the proxy rather than returned.
func (b *Backend) Submit(ctx context.Context, req backend.Request) (backend.Proxy, error) {
	var raw json.RawMessage
	out, err := b.runner.Run(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
	if err == nil {
		raw, err = json.Marshal(out)
	}
	outcome, _ := backend.Outcome{}.Resolve(raw, err)
	return &Proxy{Outcome: outcome}, nil
}

func proxyOf(p backend.Proxy) (*Proxy, error) {
	fp, ok := p.(*Proxy)
	if !ok {
		return nil, backend.ErrWrongProxy
	}
	return fp, nil
}

func (b *Backend) Ready(_ context.Context, p backend.Proxy) (bool, error) {
	fp, err := proxyOf(p)
	if err != nil {
		return false, err
	}
	return fp.Outcome.Ready(), nil
}

func (b *Backend) Successful(_ context.Context, p backend.Proxy) (bool, error) {
	fp, err := proxyOf(p)
	if err != nil {
		return false, err
	}
	return fp.Outcome.Phase == backend.PhaseSucceeded, nil
}

// Result returns the recorded output, or the recorded diagnostic as error.
func (b *Backend) Result(_ context.Context, p backend.Proxy) (*datamodel.Data, error) {
	fp, err := proxyOf(p)
	if err != nil {
		return nil, err
	}
	return backend.OutcomeResult(fp.Outcome, nil)
}

func (b *Backend) FailInfo(_ context.Context, p backend.Proxy) *backend.Diagnostic {
	fp, err := proxyOf(p)
	if err != nil {
		return backend.DiagnosticFrom(err)
	}
	return fp.Outcome.Diagnostic
}
