// Package task defines the shared domain types for the stagehand
// orchestration engine: task state, artifacts, routing signals, pair
// results, conflicts, and final decisions.
package task

import (
	"fmt"
	"time"
)

// Stage represents one step of the fixed pipeline.
type Stage string

const (
	// StageAnalyze gathers context and decomposes the task description.
	StageAnalyze Stage = "analyze"

	// StagePlan produces an execution plan, folding in validation feedback.
	StagePlan Stage = "plan"

	// StageExecute carries out the plan, either directly or through the
	// refinement orchestrator for complex tiers.
	StageExecute Stage = "execute"

	// StageValidate checks execution output against the plan.
	StageValidate Stage = "validate"

	// StageCommit promotes validated artifacts to the shared store.
	StageCommit Stage = "commit"
)

// PipelineStages returns the stages the runner executes, in order.
// StageCommit is not included: it is reached only via SignalCommit.
func PipelineStages() []Stage {
	return []Stage{StageAnalyze, StagePlan, StageExecute, StageValidate}
}

// Signal is the routing decision a stage returns.
type Signal string

const (
	SignalContinue Signal = "continue"
	SignalReplan   Signal = "replan"
	SignalCommit   Signal = "commit"
	SignalFail     Signal = "fail"
)

// Tier classifies task complexity and decides the execution path.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierMedium   Tier = "medium"
	TierComplex  Tier = "complex"
	TierCritical Tier = "critical"
)

// ParseTier validates a tier string from an external source.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierSimple, TierMedium, TierComplex, TierCritical:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown complexity tier: %q", s)
}

// NeedsRefinement reports whether the tier routes through the
// refinement orchestrator instead of single-call execution.
func (t Tier) NeedsRefinement() bool {
	return t == TierComplex || t == TierCritical
}

// Status is the lifecycle status of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusFailed || s == StatusCancelled
}

// Scope determines artifact visibility and durability.
type Scope string

const (
	// ScopePrivate artifacts live in the per-task store and expire with it.
	ScopePrivate Scope = "private"

	// ScopeShared artifacts are durable. Only the commit gate can write them.
	ScopeShared Scope = "shared"
)

// Artifact is a piece of produced content with a scope and validation flag.
type Artifact struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	Producer    string            `json:"producer"`
	Content     string            `json:"content"`
	Scope       Scope             `json:"scope"`
	Validated   bool              `json:"validated"`
	Annotations map[string]string `json:"annotations,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ValidationOutcome records the result of the validate stage.
type ValidationOutcome struct {
	Passed    bool      `json:"passed"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason,omitempty"`
	Strict    bool      `json:"strict"`
	CheckedAt time.Time `json:"checked_at"`
}

// State is the complete mutable state of one task. It is owned by the
// pipeline driver for the task's lifetime; other components receive
// snapshots or scoped views, never the live struct.
type State struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`

	Stage  Stage  `json:"stage"`
	Status Status `json:"status"`
	Tier   Tier   `json:"tier,omitempty"`

	// Replans counts validate→plan round trips. Monotonic, bounded by
	// the replan guard; reset only on task creation.
	Replans int `json:"replans"`

	Artifacts  []Artifact         `json:"artifacts,omitempty"`
	Validation *ValidationOutcome `json:"validation,omitempty"`

	Confidence    float64 `json:"confidence,omitempty"`
	Escalations   int     `json:"escalations"`
	FailureReason string  `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates a task state in the pending status.
func NewState(id, description string, priority int) *State {
	now := time.Now()
	return &State{
		ID:          id,
		Description: description,
		Priority:    priority,
		Stage:       StageAnalyze,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Snapshot returns a deep copy safe to hand to readers while the
// pipeline keeps mutating the original.
func (s *State) Snapshot() State {
	cp := *s
	if s.Artifacts != nil {
		cp.Artifacts = make([]Artifact, len(s.Artifacts))
		copy(cp.Artifacts, s.Artifacts)
		for i := range cp.Artifacts {
			cp.Artifacts[i].Annotations = cloneAnnotations(cp.Artifacts[i].Annotations)
		}
	}
	if s.Validation != nil {
		v := *s.Validation
		cp.Validation = &v
	}
	return cp
}

func cloneAnnotations(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
