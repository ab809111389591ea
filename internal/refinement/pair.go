// Package refinement runs proposer/reviewer pairs over sub-problems of
// a complex task, sequences them in phases, and issues one binding
// final decision per task.
package refinement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

var reviewSchema = json.RawMessage(`{"correctness": 0, "completeness": 0, "quality": 0, "efficiency": 0, "security": 0, "feedback": "string"}`)

// Reviewer posture is prompt and temperature data, never a separate
// code path.
var postures = map[string]struct {
	temperature float64
	framing     string
}{
	"collaborative": {0.6, "You review constructively. Score honestly, suggest improvements, and approve work that is good enough."},
	"adversarial":   {0.8, "You review adversarially. Hunt for flaws, missing cases, and weak reasoning before scoring."},
	"strict":        {0.2, "You review with maximum rigor. Any unmitigated risk caps the relevant dimension low. Approve only airtight work."},
}

// PairEngine drives one proposer/reviewer iteration loop to convergence
// or escalation.
type PairEngine struct {
	gw               gateway.Gateway
	audit            *knowledge.AuditLog
	iterationTimeout time.Duration
	logger           *logging.Logger
}

// NewPairEngine creates a pair engine.
func NewPairEngine(gw gateway.Gateway, audit *knowledge.AuditLog, iterationTimeout time.Duration, logger *logging.Logger) *PairEngine {
	if logger == nil {
		logger = logging.NewNop()
	}
	if iterationTimeout <= 0 {
		iterationTimeout = 2 * time.Minute
	}
	return &PairEngine{
		gw:               gw,
		audit:            audit,
		iterationTimeout: iterationTimeout,
		logger:           logger.Named("pair"),
	}
}

// Run iterates proposer and reviewer until the review clears the
// domain's threshold and floor, or the iteration budget runs out. The
// result status is approved or escalated; rejection only ever comes
// from an arbiter override. Constraints carry arbiter directives into
// restarted pairs.
func (e *PairEngine) Run(ctx context.Context, taskID string, dom config.DomainConfig, subproblem, constraints string) (*task.PairResult, error) {
	result := &task.PairResult{
		PairID: uuid.New().String(),
		Domain: dom.Name,
		Status: task.PairPending,
	}
	ctx = logging.WithPairID(ctx, result.PairID)

	feedback := ""
	for i := 0; i < dom.MaxIterations; i++ {
		iterCtx, cancel := context.WithTimeout(ctx, e.iterationTimeout)
		iter, err := e.iterate(iterCtx, dom, subproblem, constraints, feedback)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			// Gateway failures are recoverable but consume budget.
			e.logger.Warn(ctx, "pair iteration failed",
				zap.String("domain", dom.Name),
				zap.Int("iteration", i+1),
				zap.Error(err))
			continue
		}

		result.Iterations = append(result.Iterations, *iter)
		feedback = iter.Review.Feedback
		e.recordIteration(ctx, taskID, result, i+1)

		if iter.Review.Mean() >= dom.Threshold && iter.Review.Min() >= dom.Floor {
			if err := result.Transition(task.PairApproved); err != nil {
				return result, err
			}
			return result, nil
		}
	}

	if err := result.Transition(task.PairEscalated); err != nil {
		return result, err
	}
	return result, nil
}

// iterate runs one propose/review round trip.
func (e *PairEngine) iterate(ctx context.Context, dom config.DomainConfig, subproblem, constraints, feedback string) (*task.Iteration, error) {
	proposal, err := e.propose(ctx, dom, subproblem, constraints, feedback)
	if err != nil {
		return nil, fmt.Errorf("propose: %w", err)
	}

	review, err := e.review(ctx, dom, subproblem, proposal)
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}

	return &task.Iteration{
		Proposal: proposal,
		Review:   *review,
		Score:    review.Mean(),
	}, nil
}

func (e *PairEngine) propose(ctx context.Context, dom config.DomainConfig, subproblem, constraints, feedback string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sub-problem (%s):\n%s\n", dom.Name, subproblem)
	if constraints != "" {
		fmt.Fprintf(&sb, "\nBinding constraints from arbitration:\n%s\n", constraints)
	}
	if feedback != "" {
		fmt.Fprintf(&sb, "\nReviewer feedback on your previous proposal:\n%s\nRevise accordingly.\n", feedback)
	}

	resp, err := e.gw.Assess(ctx, gateway.Request{
		System:      fmt.Sprintf("You are the %s proposer. Produce a concrete, complete proposal for the sub-problem.", dom.Name),
		Prompt:      sb.String(),
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (e *PairEngine) review(ctx context.Context, dom config.DomainConfig, subproblem, proposal string) (*task.Review, error) {
	posture, ok := postures[dom.Posture]
	if !ok {
		posture = postures["collaborative"]
	}

	resp, err := e.gw.Assess(ctx, gateway.Request{
		System:      fmt.Sprintf("You are the %s reviewer. %s Score the proposal 0-10 on correctness, completeness, quality, efficiency, and security.", dom.Name, posture.framing),
		Prompt:      fmt.Sprintf("Sub-problem:\n%s\n\nProposal:\n%s", subproblem, proposal),
		Schema:      reviewSchema,
		Temperature: posture.temperature,
	})
	if err != nil {
		return nil, err
	}

	var review task.Review
	if err := json.Unmarshal(resp.Parsed, &review); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	if err := review.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	return &review, nil
}

func (e *PairEngine) recordIteration(ctx context.Context, taskID string, result *task.PairResult, n int) {
	if e.audit == nil {
		return
	}
	last := result.Iterations[len(result.Iterations)-1]
	_ = e.audit.Append(ctx, knowledge.AuditEvent{
		TaskID:    taskID,
		Type:      knowledge.AuditPairIteration,
		Component: "pair:" + result.Domain,
		Detail: map[string]string{
			"pair_id":   result.PairID,
			"iteration": strconv.Itoa(n),
			"score":     strconv.FormatFloat(last.Score, 'f', 2, 64),
		},
	})
}
