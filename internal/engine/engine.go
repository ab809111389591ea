// Package engine is the public face of the orchestrator: it accepts
// tasks, drives each one on its own goroutine, and serves snapshots of
// their state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/classifier"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/pipeline"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotTerminal is returned when a result is requested before the
	// task terminates.
	ErrNotTerminal = errors.New("task not terminal")

	// ErrShuttingDown rejects submissions after Shutdown started.
	ErrShuttingDown = errors.New("engine shutting down")
)

// entry tracks one submitted task. The driver goroutine owns the live
// state; everyone else reads the published snapshot.
type entry struct {
	snapshot atomic.Pointer[task.State]
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// Engine drives submitted tasks through the pipeline, one goroutine
// per task.
type Engine struct {
	runner     *pipeline.Runner
	classifier *classifier.Classifier
	logger     *logging.Logger

	tasks sync.Map // task id -> *entry
	wg    sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
	closed  atomic.Bool

	tracer    trace.Tracer
	submitted metric.Int64Counter
	completed metric.Int64Counter
}

// New creates the engine and wires the runner's observer.
func New(runner *pipeline.Runner, cls *classifier.Classifier, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		runner:     runner,
		classifier: cls,
		logger:     logger.Named("engine"),
		baseCtx:    baseCtx,
		stop:       stop,
		tracer:     otel.Tracer("stagehand/engine"),
	}

	meter := otel.Meter("stagehand/engine")
	var err error
	e.submitted, err = meter.Int64Counter("engine.tasks.submitted",
		metric.WithDescription("Tasks accepted for execution"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create submitted counter", zap.Error(err))
	}
	e.completed, err = meter.Int64Counter("engine.tasks.completed",
		metric.WithDescription("Tasks reaching a terminal status"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create completed counter", zap.Error(err))
	}

	runner.Observer = e.observe
	return e
}

// observe publishes driver-side snapshots for readers.
func (e *Engine) observe(snap task.State) {
	if v, ok := e.tasks.Load(snap.ID); ok {
		v.(*entry).snapshot.Store(&snap)
	}
}

// Submit accepts a task and starts its driver. The returned id is
// immediately queryable; classification happens on the driver, so a
// fresh task reports an empty tier until it is classified.
func (e *Engine) Submit(ctx context.Context, description string, priority int) (string, error) {
	if description == "" {
		return "", fmt.Errorf("empty task description")
	}
	if e.closed.Load() {
		return "", ErrShuttingDown
	}

	id := uuid.New().String()
	state := task.NewState(id, description, priority)

	en := &entry{done: make(chan struct{})}
	snap := state.Snapshot()
	en.snapshot.Store(&snap)

	taskCtx, cancel := context.WithCancel(e.baseCtx)
	en.cancel = cancel
	e.tasks.Store(id, en)

	if e.submitted != nil {
		e.submitted.Add(ctx, 1)
	}
	e.logger.Info(ctx, "task submitted",
		zap.String("task_id", id),
		zap.Int("priority", priority))

	e.wg.Add(1)
	go e.drive(taskCtx, en, state)
	return id, nil
}

// drive runs one task to a terminal state.
func (e *Engine) drive(ctx context.Context, en *entry, state *task.State) {
	defer e.wg.Done()
	defer close(en.done)
	defer en.cancel()

	ctx, span := e.tracer.Start(ctx, "engine.drive")
	defer span.End()

	state.Tier = e.classifier.Classify(ctx, state.Description, state.Priority)
	snap := state.Snapshot()
	en.snapshot.Store(&snap)

	en.err = e.runner.Run(ctx, state)

	final := state.Snapshot()
	en.snapshot.Store(&final)
	if e.completed != nil {
		e.completed.Add(context.WithoutCancel(ctx), 1)
	}
}

// Status returns a snapshot of the task's state. Repeated calls on a
// quiescent task return identical snapshots.
func (e *Engine) Status(taskID string) (task.State, error) {
	v, ok := e.tasks.Load(taskID)
	if !ok {
		return task.State{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return *v.(*entry).snapshot.Load(), nil
}

// Result returns the task's artifacts once it is terminal. A failed
// or cancelled task yields its terminal reason as the error.
func (e *Engine) Result(taskID string) ([]task.Artifact, error) {
	v, ok := e.tasks.Load(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	en := v.(*entry)

	snap := en.snapshot.Load()
	switch snap.Status {
	case task.StatusCommitted:
		return snap.Artifacts, nil
	case task.StatusFailed:
		return nil, fmt.Errorf("task failed: %s", snap.FailureReason)
	case task.StatusCancelled:
		return nil, fmt.Errorf("task cancelled")
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, taskID, snap.Status)
	}
}

// Wait blocks until the task terminates or ctx expires.
func (e *Engine) Wait(ctx context.Context, taskID string) error {
	v, ok := e.tasks.Load(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	select {
	case <-v.(*entry).done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. The driver observes it at its next
// suspension point; in-flight gateway calls finish but their results
// are discarded.
func (e *Engine) Cancel(taskID string) error {
	v, ok := e.tasks.Load(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	v.(*entry).cancel()
	return nil
}

// List returns snapshots of all tasks, newest first, optionally
// filtered by status.
func (e *Engine) List(status task.Status) []task.State {
	var out []task.State
	e.tasks.Range(func(_, v any) bool {
		snap := v.(*entry).snapshot.Load()
		if status == "" || snap.Status == status {
			out = append(out, *snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Shutdown stops accepting work, cancels running tasks, and waits for
// drivers to exit or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
