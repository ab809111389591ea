// Package pipeline drives one task through the staged loop
// analyze, plan, execute, validate, bounded by the replan guard and
// gated by the commit gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/commit"
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// StageHandler executes one pipeline stage against the task state.
type StageHandler interface {
	Run(ctx context.Context, state *task.State) (task.Signal, error)
}

// Runner owns a task's state for its lifetime and is its single
// logical driver: stages run strictly sequentially, the commit gate is
// the only exit into the shared store, and cancellation is observed
// between stages.
type Runner struct {
	cfg       config.EngineConfig
	handlers  StageHandler
	guard     *ReplanGuard
	scheduler checkpoint.Scheduler
	gate      *commit.Gate
	audit     *knowledge.AuditLog
	private   *knowledge.PrivateStore
	logger    *logging.Logger
	tracer    trace.Tracer

	// Observer, when set, receives a snapshot after every state
	// transition. Readers get copies; the live state never escapes the
	// driver.
	Observer func(task.State)
}

// NewRunner creates a pipeline runner.
func NewRunner(cfg config.EngineConfig, handlers StageHandler, guard *ReplanGuard, scheduler checkpoint.Scheduler, gate *commit.Gate, audit *knowledge.AuditLog, private *knowledge.PrivateStore, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	if scheduler == nil {
		scheduler = checkpoint.NewNoop()
	}
	return &Runner{
		cfg:       cfg,
		handlers:  handlers,
		guard:     guard,
		scheduler: scheduler,
		gate:      gate,
		audit:     audit,
		private:   private,
		logger:    logger.Named("pipeline"),
		tracer:    otel.Tracer("stagehand/pipeline"),
	}
}

// Run drives the task to a terminal status. The returned error is the
// terminal failure reason, nil on commit, and ctx.Err() on
// cancellation.
func (r *Runner) Run(ctx context.Context, state *task.State) error {
	ctx = logging.WithTaskID(ctx, state.ID)
	ctx, span := r.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("task.id", state.ID)))
	defer span.End()
	defer r.cleanup(state)

	state.Status = task.StatusRunning
	state.UpdatedAt = time.Now()

	for !state.Status.Terminal() {
		if ctx.Err() != nil {
			r.terminate(ctx, state, task.StatusCancelled, "cancelled")
			r.publish(state)
			return ctx.Err()
		}

		signal := r.runStage(ctx, state)

		// A cancel that lands mid-stage surfaces here, after the
		// interrupted call returns. Its result is discarded.
		if ctx.Err() != nil {
			r.terminate(ctx, state, task.StatusCancelled, "cancelled")
			r.publish(state)
			return ctx.Err()
		}

		if signal != task.SignalFail {
			decision, err := r.scheduler.Evaluate(ctx, state)
			if err != nil {
				r.recordCheckpoint(ctx, state, decision)
				r.terminate(ctx, state, task.StatusFailed, fmt.Sprintf("checkpoint: %v", err))
				r.publish(state)
				return err
			}
			if decision.Suspended {
				r.recordCheckpoint(ctx, state, decision)
			}
			if decision.Action == checkpoint.ActionFail {
				r.terminate(ctx, state, task.StatusFailed, "checkpoint rejected: "+decision.Note)
				r.publish(state)
				return errors.New(state.FailureReason)
			}
		}

		switch signal {
		case task.SignalContinue:
			state.Stage = nextStage(state.Stage)
		case task.SignalReplan:
			signal = r.guard.Admit(state)
			switch signal {
			case task.SignalReplan:
				r.recordReplan(ctx, state)
				state.Stage = task.StagePlan
			case task.SignalCommit:
				r.logger.Warn(ctx, "replan bound reached, force-committing partial result",
					zap.String("task_id", state.ID),
					zap.Int("replans", state.Replans))
				r.commit(ctx, state)
			default:
				r.terminate(ctx, state, task.StatusFailed, failureReason(state, "replan bound exceeded"))
			}
		case task.SignalCommit:
			r.commit(ctx, state)
		default:
			r.terminate(ctx, state, task.StatusFailed, failureReason(state, "stage failed"))
		}
		state.UpdatedAt = time.Now()
		r.publish(state)
	}

	if state.Status == task.StatusFailed {
		return errors.New(state.FailureReason)
	}
	return nil
}

// runStage executes the current stage under its timeout. A stage
// timeout is a fail signal, not a silent retry.
func (r *Runner) runStage(ctx context.Context, state *task.State) task.Signal {
	r.recordStage(ctx, state, knowledge.AuditStageStarted, "")

	stageCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.cfg.StageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, r.cfg.StageTimeout)
	}
	signal, err := r.handlers.Run(stageCtx, state)
	cancel()

	switch {
	case err == nil:
	case stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		state.FailureReason = fmt.Sprintf("stage %s timed out", state.Stage)
		signal = task.SignalFail
	default:
		state.FailureReason = err.Error()
		signal = task.SignalFail
	}

	r.recordStage(ctx, state, knowledge.AuditStageCompleted, string(signal))
	return signal
}

func (r *Runner) commit(ctx context.Context, state *task.State) {
	state.Stage = task.StageCommit
	if _, err := r.gate.Commit(ctx, state); err != nil {
		r.terminate(ctx, state, task.StatusFailed, err.Error())
		return
	}
	r.terminate(ctx, state, task.StatusCommitted, "")
}

func (r *Runner) terminate(ctx context.Context, state *task.State, status task.Status, reason string) {
	state.Status = status
	state.FailureReason = reason
	state.UpdatedAt = time.Now()

	r.logger.Info(ctx, "task terminal",
		zap.String("task_id", state.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	if r.audit != nil {
		_ = r.audit.Append(ctx, knowledge.AuditEvent{
			TaskID:    state.ID,
			Type:      knowledge.AuditTerminal,
			Stage:     string(state.Stage),
			Component: "pipeline",
			Detail:    map[string]string{"status": string(status), "reason": reason},
		})
	}
}

// cleanup schedules private artifact expiry and drops the per-task
// commit lock once the task terminates.
func (r *Runner) cleanup(state *task.State) {
	if r.private != nil {
		r.private.Release(state.ID)
	}
	if r.gate != nil {
		r.gate.Forget(state.ID)
	}
}

func (r *Runner) recordStage(ctx context.Context, state *task.State, eventType, signal string) {
	if r.audit == nil {
		return
	}
	detail := map[string]string{}
	if signal != "" {
		detail["signal"] = signal
	}
	_ = r.audit.Append(ctx, knowledge.AuditEvent{
		TaskID:    state.ID,
		Type:      eventType,
		Stage:     string(state.Stage),
		Component: "pipeline",
		Detail:    detail,
	})
}

func (r *Runner) recordReplan(ctx context.Context, state *task.State) {
	if r.audit == nil {
		return
	}
	reason := ""
	if state.Validation != nil {
		reason = state.Validation.Reason
	}
	_ = r.audit.Append(ctx, knowledge.AuditEvent{
		TaskID:    state.ID,
		Type:      knowledge.AuditReplan,
		Stage:     string(state.Stage),
		Component: "pipeline",
		Detail: map[string]string{
			"replans": strconv.Itoa(state.Replans),
			"bound":   strconv.Itoa(r.guard.Bound()),
			"reason":  reason,
		},
	})
}

func (r *Runner) recordCheckpoint(ctx context.Context, state *task.State, d checkpoint.Decision) {
	if r.audit == nil {
		return
	}
	_ = r.audit.Append(ctx, knowledge.AuditEvent{
		TaskID:    state.ID,
		Type:      knowledge.AuditCheckpoint,
		Stage:     string(state.Stage),
		Component: "checkpoint",
		Detail: map[string]string{
			"action":     string(d.Action),
			"confidence": strconv.FormatFloat(d.Confidence.Overall, 'f', 2, 64),
		},
	})
}

func (r *Runner) publish(state *task.State) {
	if r.Observer != nil {
		r.Observer(state.Snapshot())
	}
}

func nextStage(s task.Stage) task.Stage {
	stages := task.PipelineStages()
	for i, stage := range stages {
		if stage == s && i+1 < len(stages) {
			return stages[i+1]
		}
	}
	return task.StageValidate
}

func failureReason(state *task.State, fallback string) string {
	if state.FailureReason != "" {
		return state.FailureReason
	}
	if state.Validation != nil && state.Validation.Reason != "" {
		return state.Validation.Reason
	}
	return fallback
}
