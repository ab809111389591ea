package refinement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// ErrConflictUnresolved is returned when the arbiter cannot produce a
// valid resolution for an escalated pair.
var ErrConflictUnresolved = fmt.Errorf("conflict could not be resolved")

var resolutionSchema = json.RawMessage(`{"action": "directive|approve|reject", "directive": "string", "rationale": "string"}`)

// ConflictResolver arbitrates pairs that exhausted their iteration
// budget without approval. Its decisions are binding and never
// escalate further.
type ConflictResolver struct {
	gw     gateway.Gateway
	audit  *knowledge.AuditLog
	logger *logging.Logger
}

// NewConflictResolver creates a resolver.
func NewConflictResolver(gw gateway.Gateway, audit *knowledge.AuditLog, logger *logging.Logger) *ConflictResolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ConflictResolver{gw: gw, audit: audit, logger: logger.Named("resolver")}
}

// NewConflict captures an escalated pair for arbitration.
func NewConflict(taskID string, pair *task.PairResult) *task.Conflict {
	return &task.Conflict{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		PairID:    pair.PairID,
		Domain:    pair.Domain,
		Proposal:  pair.FinalProposal(),
		Review:    pair.FinalReview(),
		History:   append([]task.Iteration(nil), pair.Iterations...),
		CreatedAt: time.Now(),
	}
}

// Arbitrate produces the conflict's single immutable resolution. When
// allowDirective is false (directive retries exhausted) the arbiter is
// constrained to a binding approve/reject override.
func (r *ConflictResolver) Arbitrate(ctx context.Context, c *task.Conflict, allowDirective bool) (*task.Resolution, error) {
	if c.Resolution != nil {
		return nil, fmt.Errorf("%w: conflict %s", task.ErrStatusFinal, c.ID)
	}

	resolution, err := r.decide(ctx, c, allowDirective)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflictUnresolved, err)
	}
	if err := c.Resolve(*resolution); err != nil {
		return nil, err
	}

	r.record(ctx, c)
	return c.Resolution, nil
}

func (r *ConflictResolver) decide(ctx context.Context, c *task.Conflict, allowDirective bool) (*task.Resolution, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s\n\nFinal proposal:\n%s\n\nFinal review (mean %.1f, min %.1f): %s\n",
		c.Domain, c.Proposal, c.Review.Mean(), c.Review.Min(), c.Review.Feedback)
	fmt.Fprintf(&sb, "\nIteration history (%d rounds):\n", len(c.History))
	for i, it := range c.History {
		fmt.Fprintf(&sb, "  round %d: score %.1f, feedback: %s\n", i+1, it.Score, it.Review.Feedback)
	}
	if allowDirective {
		sb.WriteString("\nEither issue a directive with new constraints to restart the pair, or issue a binding approve/reject override.")
	} else {
		sb.WriteString("\nDirective restarts are exhausted. Issue a binding approve or reject override.")
	}

	resp, err := r.gw.Assess(ctx, gateway.Request{
		System:      "You arbitrate a proposer/reviewer deadlock. Your decision is final.",
		Prompt:      sb.String(),
		Schema:      resolutionSchema,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Action    string `json:"action"`
		Directive string `json:"directive"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal(resp.Parsed, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}

	switch out.Action {
	case "directive":
		if !allowDirective {
			// The arbiter ignored the constraint; treat it as reject.
			return &task.Resolution{
				Kind:      task.ResolutionOverride,
				Approved:  false,
				Rationale: "directive budget exhausted: " + out.Rationale,
			}, nil
		}
		if out.Directive == "" {
			return nil, fmt.Errorf("%w: empty directive", gateway.ErrMalformed)
		}
		return &task.Resolution{
			Kind:      task.ResolutionDirective,
			Directive: out.Directive,
			Rationale: out.Rationale,
		}, nil
	case "approve":
		return &task.Resolution{Kind: task.ResolutionOverride, Approved: true, Rationale: out.Rationale}, nil
	case "reject":
		return &task.Resolution{Kind: task.ResolutionOverride, Approved: false, Rationale: out.Rationale}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", gateway.ErrMalformed, out.Action)
	}
}

func (r *ConflictResolver) record(ctx context.Context, c *task.Conflict) {
	r.logger.Info(ctx, "conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("domain", c.Domain),
		zap.String("kind", string(c.Resolution.Kind)))
	if r.audit == nil {
		return
	}
	_ = r.audit.Append(ctx, knowledge.AuditEvent{
		TaskID:    c.TaskID,
		Type:      knowledge.AuditResolution,
		Component: "resolver",
		Detail: map[string]string{
			"conflict_id": c.ID,
			"pair_id":     c.PairID,
			"kind":        string(c.Resolution.Kind),
			"rationale":   c.Resolution.Rationale,
		},
	})
}
