// Package pool runs activities on a bounded set of goroutines in this
// process. Proxies only resolve in the process that submitted them.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/datamodel"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/pipeline"
)

// ProxyName identifies pool proxies.
const ProxyName = "PoolProxy"

// DefaultRetention is how long a finished future stays resolvable.
const DefaultRetention = time.Hour

// ErrUnknownFuture is returned for a proxy this pool never issued, or whose
// finished future outlived the retention window.
var ErrUnknownFuture = errors.New("unknown pool future")

// Proxy names one future of a pool.
type Proxy struct {
	FutureID string `json:"future_id"`
}

func (p *Proxy) ProxyName() string { return ProxyName }
func (p *Proxy) Details() any      { return p }

// LoadProxy rebuilds a pool proxy from its details.
func LoadProxy(details json.RawMessage) (backend.Proxy, error) {
	var p Proxy
	if err := json.Unmarshal(details, &p); err != nil {
		return nil, err
	}
	if p.FutureID == "" {
		return nil, errors.New("missing future_id")
	}
	return &p, nil
}

type future struct {
	done   chan struct{}
	result *datamodel.Data
	err    error
	// finished is written before done is closed.
	finished time.Time
}

func (f *future) expired(now time.Time, retention time.Duration) bool {
	return f.ready() && now.Sub(f.finished) > retention
}

func (f *future) ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Pool is an async backend over a bounded number of workers.
type Pool struct {
	runner *pipeline.Runner
	sem    *semaphore.Weighted
	size   int

	retention time.Duration

	mu      sync.Mutex
	futures map[string]*future
	wg      sync.WaitGroup
}

var _ backend.Async = (*Pool)(nil)

// Option configures a Pool.
type Option func(*Pool)

// WithRetention sets how long finished futures stay resolvable.
func WithRetention(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.retention = d
		}
	}
}

// New creates a pool running at most n activities at once.
func New(runner *pipeline.Runner, n int, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		runner:    runner,
		sem:       semaphore.NewWeighted(int64(n)),
		size:      n,
		retention: DefaultRetention,
		futures:   make(map[string]*future),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseSize reads the argument of "multiproc:N". "auto" and "" mean one
// worker per CPU.
func ParseSize(arg string) (int, error) {
	if arg == "" || arg == "auto" {
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("pool size %q: want a positive integer or auto", arg)
	}
	return n, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

func (p *Pool) Prepublish(ctx context.Context, req backend.Request) (*datamodel.Data, error) {
	return p.runner.Prepublish(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
}

// Submit queues the activity and returns immediately. The run does not
// inherit ctx cancellation once queued.
func (p *Pool) Submit(ctx context.Context, req backend.Request) (backend.Proxy, error) {
	f := &future{done: make(chan struct{})}
	id := model.NewID()

	p.mu.Lock()
	p.prune(time.Now())
	p.futures[id] = f
	p.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	p.wg.Go(func() {
		defer func() {
			f.finished = time.Now()
			close(f.done)
		}()
		if err := p.sem.Acquire(runCtx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)
		f.result, f.err = p.runner.Run(runCtx, req.Spec, req.Parameters, req.State, req.Metadata)
	})
	return &Proxy{FutureID: id}, nil
}

// Wait blocks until every submitted activity has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) lookup(proxy backend.Proxy) (*future, error) {
	pp, ok := proxy.(*Proxy)
	if !ok {
		return nil, backend.ErrWrongProxy
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.futures[pp.FutureID]
	if ok && f.expired(time.Now(), p.retention) {
		delete(p.futures, pp.FutureID)
		ok = false
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFuture, pp.FutureID)
	}
	return f, nil
}

// prune drops finished futures past retention. p.mu must be held.
func (p *Pool) prune(now time.Time) {
	for id, f := range p.futures {
		if f.expired(now, p.retention) {
			delete(p.futures, id)
		}
	}
}

// Len returns the number of futures still tracked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(time.Now())
	return len(p.futures)
}

func (p *Pool) done(proxy backend.Proxy) (*future, error) {
	f, err := p.lookup(proxy)
	if err != nil {
		return nil, err
	}
	if !f.ready() {
		return nil, backend.ErrNotReady
	}
	return f, nil
}

func (p *Pool) Ready(_ context.Context, proxy backend.Proxy) (bool, error) {
	f, err := p.lookup(proxy)
	if err != nil {
		return false, err
	}
	return f.ready(), nil
}

func (p *Pool) Successful(_ context.Context, proxy backend.Proxy) (bool, error) {
	f, err := p.done(proxy)
	if err != nil {
		return false, err
	}
	return f.err == nil, nil
}

// Result returns the published output, or the activity's error.
func (p *Pool) Result(_ context.Context, proxy backend.Proxy) (*datamodel.Data, error) {
	f, err := p.done(proxy)
	if err != nil {
		return nil, err
	}
	return f.result, f.err
}

func (p *Pool) FailInfo(_ context.Context, proxy backend.Proxy) *backend.Diagnostic {
	f, err := p.done(proxy)
	if err != nil {
		if errors.Is(err, backend.ErrNotReady) {
			return nil
		}
		return backend.DiagnosticFrom(err)
	}
	return backend.DiagnosticFrom(f.err)
}
