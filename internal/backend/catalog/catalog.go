// Package catalog registers the built-in backends and proxy kinds.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/backend/external"
	"github.com/seantiz/packtivity/internal/backend/foreground"
	"github.com/seantiz/packtivity/internal/backend/kubejob"
	"github.com/seantiz/packtivity/internal/backend/pool"
	"github.com/seantiz/packtivity/internal/backend/taskqueue"
	"github.com/seantiz/packtivity/internal/config"
	"github.com/seantiz/packtivity/internal/pipeline"
	"github.com/seantiz/packtivity/internal/store"
)

// Backend names.
const (
	DefaultSync     = "defaultsync"
	MultiProc       = "multiproc"
	ForegroundAsync = "foregroundasync"
	TaskQueue       = "taskqueue"
	Kubernetes      = "kubernetes"
)

// Deps are the shared services backends are built from.
type Deps struct {
	Runner *pipeline.Runner
	Logger *slog.Logger

	// Store backs "taskqueue" without a path argument. When nil, the
	// backend is only available with an explicit database path.
	Store store.Store
	// Notify is called after each queued submit.
	Notify func()
	// PoolRetention bounds how long finished pool futures are kept.
	// Zero keeps pool.DefaultRetention.
	PoolRetention time.Duration

	Execution  config.Execution
	Kubernetes config.Kubernetes
}

// Catalog is a backend registry with the built-ins registered. Async
// backends are built once per name and argument so that proxies submitted
// through one call can be polled through the next.
type Catalog struct {
	*backend.Registry

	deps Deps

	mu     sync.Mutex
	pools  map[int]*pool.Pool
	queues map[string]*taskqueue.Backend
	stores []store.Store
	kube   *external.Backend
}

// New registers every built-in backend and proxy kind.
func New(deps Deps) (*Catalog, error) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	c := &Catalog{
		Registry: backend.NewRegistry(),
		deps:     deps,
		pools:    make(map[int]*pool.Pool),
		queues:   make(map[string]*taskqueue.Backend),
	}

	factories := map[string]backend.Factory{
		DefaultSync: {
			Description: "runs activities in the calling goroutine",
			NewSync: func(string) (backend.Sync, error) {
				return backend.NewLocal(deps.Runner), nil
			},
		},
		MultiProc: {
			Description: "runs activities on a bounded worker pool (multiproc:N or multiproc:auto)",
			NewAsync:    c.pool,
		},
		ForegroundAsync: {
			Description: "runs activities at submit time and hands back the outcome",
			NewAsync: func(string) (backend.Async, error) {
				return foreground.New(deps.Runner), nil
			},
		},
		TaskQueue: {
			Description: "queues activities in SQLite for queue workers (taskqueue or taskqueue:<dbpath>)",
			NewAsync:    c.queue,
		},
		Kubernetes: {
			Description: "submits activities as Kubernetes batch jobs",
			NewAsync:    c.kubernetes,
		},
	}
	for name, f := range factories {
		if err := c.Register(name, f); err != nil {
			return nil, err
		}
	}

	proxies := []struct {
		name, backend string
		load          backend.ProxyLoader
	}{
		{pool.ProxyName, MultiProc, pool.LoadProxy},
		{foreground.ProxyName, ForegroundAsync, foreground.LoadProxy},
		{taskqueue.ProxyName, TaskQueue, taskqueue.LoadProxy},
		{external.ProxyName, Kubernetes, external.LoadProxy},
	}
	for _, p := range proxies {
		if err := c.Proxies().Register(p.name, p.backend, p.load); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) pool(arg string) (backend.Async, error) {
	n, err := pool.ParseSize(arg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[n]
	if !ok {
		p = pool.New(c.deps.Runner, n, pool.WithRetention(c.deps.PoolRetention))
		c.pools[n] = p
	}
	return p, nil
}

func (c *Catalog) queue(dbPath string) (backend.Async, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[dbPath]; ok {
		return q, nil
	}

	s := c.deps.Store
	if dbPath != "" {
		opened, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open task queue %s: %w", dbPath, err)
		}
		c.stores = append(c.stores, opened)
		s = opened
	}
	if s == nil {
		return nil, errors.New("taskqueue: no store configured, use taskqueue:<dbpath>")
	}

	var opts []taskqueue.Option
	if c.deps.Notify != nil && dbPath == "" {
		opts = append(opts, taskqueue.WithNotify(c.deps.Notify))
	}
	q := taskqueue.New(s, c.deps.Runner, opts...)
	c.queues[dbPath] = q
	return q, nil
}

func (c *Catalog) kubernetes(string) (backend.Async, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kube != nil {
		return c.kube, nil
	}
	client, err := kubejob.NewClient(c.deps.Kubernetes)
	if err != nil {
		return nil, fmt.Errorf("kubernetes backend: %w", err)
	}
	sub := kubejob.New(client, c.deps.Kubernetes, c.deps.Execution, c.deps.Logger)
	c.kube = external.New(c.deps.Runner, sub, c.deps.Logger)
	return c.kube, nil
}

// Wait blocks until every pool has drained.
func (c *Catalog) Wait() {
	c.mu.Lock()
	pools := make([]*pool.Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	for _, p := range pools {
		p.Wait()
	}
}

// Close closes stores opened for "taskqueue:<dbpath>". The shared store in
// Deps belongs to the caller.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, s := range c.stores {
		errs = append(errs, s.Close())
	}
	c.stores = nil
	return errors.Join(errs...)
}
