package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/backend/taskqueue"
	"github.com/seantiz/packtivity/internal/model"
	"github.com/seantiz/packtivity/internal/pipeline"
	"github.com/seantiz/packtivity/internal/store"
)

const (
	defaultWorkers      = 1
	defaultPollInterval = 500 * time.Millisecond
)

// Engine claims queued tasks and runs them.
type Engine struct {
	store        store.Store
	runner       *pipeline.Runner
	logger       *slog.Logger
	broker       *LogBroker
	workers      int
	pollInterval time.Duration
	taskTimeout  time.Duration
	lease        time.Duration
	name         string

	wake chan struct{}
	wg   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets how many tasks run at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPollInterval sets how often idle workers look for new tasks.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithTaskTimeout bounds each task run. Zero means no limit.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) { e.taskTimeout = d }
}

// WithLease makes workers heartbeat running tasks and requeue tasks whose
// worker stopped heartbeating for longer than d. Zero disables leases.
func WithLease(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.lease = d
		}
	}
}

// WithName prefixes the worker ids recorded on claimed tasks.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// NewEngine creates an engine. Workers start with Start.
func NewEngine(s store.Store, runner *pipeline.Runner, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		runner:       runner,
		logger:       logger,
		broker:       NewLogBroker(),
		workers:      defaultWorkers,
		pollInterval: defaultPollInterval,
		name:         "worker",
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Notify wakes one idle worker. It never blocks.
func (e *Engine) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers. They stop when ctx is cancelled; a task that
// is already running finishes first.
func (e *Engine) Start(ctx context.Context) {
	queueWorkers.Add(float64(e.workers))
	for i := range e.workers {
		id := fmt.Sprintf("%s-%d", e.name, i)
		e.wg.Go(func() {
			defer queueWorkers.Dec()
			e.loop(ctx, id)
		})
	}
	e.logger.Info("engine started", "workers", e.workers, "poll_interval", e.pollInterval.String())
}

// Wait blocks until every worker has stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		ran, err := e.RunNext(ctx, workerID)
		if err != nil {
			e.logger.Error("claim task", "worker_id", workerID, "error", err)
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// RunNext claims and runs one pending task. It reports whether a task was
// claimed.
func (e *Engine) RunNext(ctx context.Context, workerID string) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	if e.lease > 0 {
		e.requeueStale(ctx)
	}
	t, err := e.store.ClaimTask(ctx, workerID)
	if errors.Is(err, store.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.execute(context.WithoutCancel(ctx), t)
	return true, nil
}

func (e *Engine) requeueStale(ctx context.Context) {
	ids, err := e.store.RequeueStale(ctx, e.lease)
	if err != nil {
		e.logger.Error("requeue stale tasks", "error", err)
		return
	}
	for _, id := range ids {
		tasksRequeued.Inc()
		e.logger.Warn("task lease expired, requeued", "task_id", id, "lease", e.lease.String())
	}
}

// heartbeat extends the lease on t until stop is closed.
func (e *Engine) heartbeat(t *model.Task, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(e.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := e.store.Heartbeat(context.Background(), t.ID, t.WorkerID)
			if errors.Is(err, store.ErrLeaseLost) {
				logger.Warn("task lease lost", "worker_id", t.WorkerID)
				return
			}
			if err != nil {
				logger.Error("heartbeat", "error", err)
			}
		}
	}
}

// execute runs a claimed task and records its outcome.
func (e *Engine) execute(ctx context.Context, t *model.Task) {
	defer e.broker.Close(t.ID)
	start := time.Now()
	logger := e.logger.With("task_id", t.ID, "name", t.Name)
	logger.Info("task started", "worker_id", t.WorkerID)

	if e.lease > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go e.heartbeat(t, logger, stop)
	}

	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	var seq atomic.Int32
	runner := e.runner.With(pipeline.WithSink(func(topic, text string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), t.ID, n, topic, text); err != nil {
			logger.Error("persist log line", "seq", n, "error", err)
		}
		e.broker.Publish(model.LogLine{TaskID: t.ID, Seq: n, Topic: topic, Line: text, CreatedAt: time.Now().UTC()})
	}))

	result, err := e.run(ctx, runner, t)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("task timed out after %s: %w", e.taskTimeout, err)
	}
	tasksDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		d := backend.DiagnosticFrom(err)
		tasksTotal.WithLabelValues(model.StatusFailed, d.Code).Inc()
		logger.Warn("task failed", "code", d.Code, "error", d.Message)
		if err := e.store.FailTask(context.Background(), t.ID, taskqueue.Failure(d)); err != nil {
			logger.Error("record task failure", "error", err)
		}
		return
	}

	tasksTotal.WithLabelValues(model.StatusCompleted, "").Inc()
	logger.Info("task completed", "duration_ms", time.Since(start).Milliseconds())
	if err := e.store.CompleteTask(context.Background(), t.ID, result); err != nil {
		logger.Error("record task result", "error", err)
	}
}

func (e *Engine) run(ctx context.Context, runner *pipeline.Runner, t *model.Task) (json.RawMessage, error) {
	req, err := taskqueue.TaskRequest(t)
	if err != nil {
		return nil, err
	}
	out, err := runner.Run(ctx, req.Spec, req.Parameters, req.State, req.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
