// Package classifier derives a task's complexity tier from its
// description via a single constrained-schema gateway call.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// tierSchema constrains the classification output.
var tierSchema = json.RawMessage(`{"tier": "simple|medium|complex|critical", "rationale": "string"}`)

const classifySystem = `You classify engineering tasks by complexity.
simple: a single obvious change. medium: routine work with known shape.
complex: multiple interacting concerns or unclear shape. critical:
complex work where mistakes are costly (security, data loss, money).`

// Classifier produces a complexity tier for a task description.
type Classifier struct {
	gw     gateway.Gateway
	logger *logging.Logger
}

// New creates a classifier.
func New(gw gateway.Gateway, logger *logging.Logger) *Classifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Classifier{gw: gw, logger: logger.Named("classifier")}
}

// Risk markers that upgrade the fallback tier when the gateway is
// unavailable. Deliberately coarse; the gateway call is the real
// classifier.
var (
	criticalPattern = regexp.MustCompile(`(?i)\b(security|auth|credential|secret|payment|billing|migration|delete|drop|production)\b`)
	complexPattern  = regexp.MustCompile(`(?i)\b(refactor|redesign|concurren|distributed|protocol|schema)\b`)
)

// Classify returns the tier for a task. On any gateway failure the
// tier falls back to a keyword heuristic that defaults to medium, so a
// flaky provider degrades routing but never blocks submission.
func (c *Classifier) Classify(ctx context.Context, description string, priority int) task.Tier {
	resp, err := c.gw.Assess(ctx, gateway.Request{
		System: classifySystem,
		Prompt: fmt.Sprintf("Task: %s\nPriority hint (1-5, 5 highest): %d", description, priority),
		Schema: tierSchema,
	})
	if err != nil {
		tier := heuristicTier(description)
		c.logger.Warn(ctx, "classification failed, using heuristic",
			zap.String("tier", string(tier)), zap.Error(err))
		return tier
	}

	var out struct {
		Tier      string `json:"tier"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal(resp.Parsed, &out); err != nil {
		c.logger.Warn(ctx, "classification unreadable, defaulting to medium", zap.Error(err))
		return task.TierMedium
	}

	tier, err := task.ParseTier(out.Tier)
	if err != nil {
		c.logger.Warn(ctx, "classification out of enum, defaulting to medium",
			zap.String("tier", out.Tier))
		return task.TierMedium
	}

	c.logger.Debug(ctx, "classified task",
		zap.String("tier", string(tier)),
		zap.String("rationale", out.Rationale))
	return tier
}

func heuristicTier(description string) task.Tier {
	switch {
	case criticalPattern.MatchString(description):
		return task.TierCritical
	case complexPattern.MatchString(description):
		return task.TierComplex
	default:
		return task.TierMedium
	}
}
