// Package checkpoint implements the optional human-approval overlay.
// After configured stages the scheduler estimates confidence and, per
// the autonomy level, may suspend the task awaiting external approval.
package checkpoint

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// ErrEscalationTimeout is returned when an approval request times out
// and the configured fallback is fail.
var ErrEscalationTimeout = fmt.Errorf("escalation timed out awaiting approval")

// AutonomyLevel orders the five supervision postures from
// fully-supervised (0) to fully-trusted (4).
type AutonomyLevel int

const (
	// AutonomySupervised suspends at every configured stage regardless
	// of confidence.
	AutonomySupervised AutonomyLevel = iota

	// AutonomyCautious suspends unless confidence clears the threshold
	// with margin.
	AutonomyCautious

	// AutonomyGuided suspends when confidence is below the threshold.
	AutonomyGuided

	// AutonomyTrusted suspends only when confidence is well below the
	// threshold.
	AutonomyTrusted

	// AutonomyFull never suspends.
	AutonomyFull
)

// Action is what the pipeline should do after a checkpoint.
type Action string

const (
	ActionContinue Action = "continue"
	ActionFail     Action = "fail"
)

// Decision is the outcome of one checkpoint evaluation.
type Decision struct {
	Action     Action
	Confidence Confidence

	// Suspended is true when the task actually waited for approval.
	Suspended bool

	// Note carries the approver's comment, if any.
	Note string
}

// Escalation is one approval request sent to the external channel.
type Escalation struct {
	TaskID     string
	Stage      task.Stage
	Confidence Confidence
	Reason     string
}

// Response is the approver's answer.
type Response struct {
	Approved bool
	Note     string
}

// Approver is the external approval channel. Notify blocks until the
// approver answers or ctx expires.
type Approver interface {
	Notify(ctx context.Context, esc Escalation) (Response, error)
}

// Scheduler decides, after a stage, whether a task may proceed.
type Scheduler interface {
	Evaluate(ctx context.Context, state *task.State) (Decision, error)
}

// noopScheduler is the disabled overlay. It holds no state and never
// touches the task.
type noopScheduler struct{}

func (noopScheduler) Evaluate(context.Context, *task.State) (Decision, error) {
	return Decision{Action: ActionContinue}, nil
}

// NewNoop returns the pass-through scheduler used when the overlay is
// disabled.
func NewNoop() Scheduler {
	return noopScheduler{}
}

// scheduler is the enabled overlay.
type scheduler struct {
	cfg      config.CheckpointConfig
	level    AutonomyLevel
	stages   map[task.Stage]bool
	approver Approver
	logger   *logging.Logger
}

// New builds a scheduler from config. A nil approver or disabled
// config yields the no-op scheduler.
func New(cfg config.CheckpointConfig, approver Approver, logger *logging.Logger) Scheduler {
	if !cfg.Enabled || approver == nil {
		return NewNoop()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	level := AutonomyLevel(cfg.AutonomyLevel)
	if level < AutonomySupervised {
		level = AutonomySupervised
	}
	if level > AutonomyFull {
		level = AutonomyFull
	}
	stages := make(map[task.Stage]bool, len(cfg.Stages))
	for _, s := range cfg.Stages {
		stages[task.Stage(s)] = true
	}
	return &scheduler{
		cfg:      cfg,
		level:    level,
		stages:   stages,
		approver: approver,
		logger:   logger.Named("checkpoint"),
	}
}

// required applies the autonomy level to the confidence estimate.
func (s *scheduler) required(conf float64) bool {
	threshold := s.cfg.ConfidenceThreshold
	switch s.level {
	case AutonomySupervised:
		return true
	case AutonomyCautious:
		return conf < min(1.0, threshold*1.25)
	case AutonomyGuided:
		return conf < threshold
	case AutonomyTrusted:
		return conf < threshold*0.5
	default:
		return false
	}
}

// Evaluate runs one checkpoint. When approval is required it notifies
// the approver with the configured escalation timeout; on timeout the
// configured fallback applies. The pause fallback keeps waiting with
// no deadline, observing only ctx cancellation.
func (s *scheduler) Evaluate(ctx context.Context, state *task.State) (Decision, error) {
	if !s.stages[state.Stage] {
		return Decision{Action: ActionContinue}, nil
	}

	conf := Estimate(state, s.cfg.ConfidenceThreshold)
	state.Confidence = conf.Overall
	if !s.required(conf.Overall) {
		return Decision{Action: ActionContinue, Confidence: conf}, nil
	}

	esc := Escalation{
		TaskID:     state.ID,
		Stage:      state.Stage,
		Confidence: conf,
		Reason:     fmt.Sprintf("confidence %.2f below autonomy level %d gate", conf.Overall, s.level),
	}
	state.Escalations++

	s.logger.Info(ctx, "suspending for approval",
		zap.String("task_id", state.ID),
		zap.String("stage", string(state.Stage)),
		zap.Float64("confidence", conf.Overall))

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.EscalationTimeout)
	resp, err := s.approver.Notify(waitCtx, esc)
	cancel()

	switch {
	case err == nil:
		return s.decide(conf, resp), nil
	case ctx.Err() != nil:
		return Decision{Action: ActionFail, Confidence: conf, Suspended: true}, ctx.Err()
	case waitCtx.Err() == context.DeadlineExceeded:
		return s.fallback(ctx, conf, esc)
	default:
		return Decision{Action: ActionFail, Confidence: conf, Suspended: true},
			fmt.Errorf("escalation channel: %w", err)
	}
}

func (s *scheduler) decide(conf Confidence, resp Response) Decision {
	d := Decision{Confidence: conf, Suspended: true, Note: resp.Note}
	if resp.Approved {
		d.Action = ActionContinue
	} else {
		d.Action = ActionFail
	}
	return d
}

func (s *scheduler) fallback(ctx context.Context, conf Confidence, esc Escalation) (Decision, error) {
	switch s.cfg.Fallback {
	case config.FallbackContinue:
		s.logger.Warn(ctx, "escalation timed out, continuing",
			zap.String("task_id", esc.TaskID))
		return Decision{Action: ActionContinue, Confidence: conf, Suspended: true}, nil
	case config.FallbackPause:
		// Pause means keep waiting: the approver call is retried with
		// no deadline and only ctx cancellation can unblock it.
		s.logger.Warn(ctx, "escalation timed out, pausing until approval",
			zap.String("task_id", esc.TaskID))
		resp, err := s.approver.Notify(ctx, esc)
		if err != nil {
			return Decision{Action: ActionFail, Confidence: conf, Suspended: true},
				fmt.Errorf("paused escalation: %w", err)
		}
		return s.decide(conf, resp), nil
	default:
		return Decision{Action: ActionFail, Confidence: conf, Suspended: true}, ErrEscalationTimeout
	}
}

// ChannelApprover adapts a Go channel pair to the Approver interface.
// Useful for wiring an HTTP or NATS approval surface on top.
type ChannelApprover struct {
	Requests  chan Escalation
	Responses chan Response
}

// NewChannelApprover creates an approver with unbuffered channels.
func NewChannelApprover() *ChannelApprover {
	return &ChannelApprover{
		Requests:  make(chan Escalation),
		Responses: make(chan Response),
	}
}

func (a *ChannelApprover) Notify(ctx context.Context, esc Escalation) (Response, error) {
	select {
	case a.Requests <- esc:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	select {
	case resp := <-a.Responses:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
