package task

import (
	"errors"
	"fmt"
	"time"
)

// ErrStatusFinal is returned when a pair result or conflict would move
// backwards out of a terminal state.
var ErrStatusFinal = errors.New("status is final")

// Review scores a proposal on five independent dimensions, each 0-10.
type Review struct {
	Correctness  float64 `json:"correctness"`
	Completeness float64 `json:"completeness"`
	Quality      float64 `json:"quality"`
	Efficiency   float64 `json:"efficiency"`
	Security     float64 `json:"security"`
	Feedback     string  `json:"feedback,omitempty"`
}

// Dimensions returns the five scores in a fixed order.
func (r Review) Dimensions() []float64 {
	return []float64{r.Correctness, r.Completeness, r.Quality, r.Efficiency, r.Security}
}

// Mean returns the average of the five dimension scores.
func (r Review) Mean() float64 {
	var sum float64
	for _, d := range r.Dimensions() {
		sum += d
	}
	return sum / 5
}

// Min returns the lowest dimension score.
func (r Review) Min() float64 {
	min := r.Correctness
	for _, d := range r.Dimensions() {
		if d < min {
			min = d
		}
	}
	return min
}

// Validate checks that every dimension is within the 0-10 scale.
func (r Review) Validate() error {
	for i, d := range r.Dimensions() {
		if d < 0 || d > 10 {
			return fmt.Errorf("dimension %d out of range: %v", i, d)
		}
	}
	return nil
}

// PairStatus is the terminal-or-running status of a proposer/reviewer pair.
type PairStatus string

const (
	PairPending   PairStatus = "pending"
	PairApproved  PairStatus = "approved"
	PairEscalated PairStatus = "escalated"
	PairRejected  PairStatus = "rejected"
)

// Iteration is one proposer/reviewer round.
type Iteration struct {
	Proposal string  `json:"proposal"`
	Review   Review  `json:"review"`
	Score    float64 `json:"score"`
}

// PairResult is the outcome of one pair's iteration loop.
type PairResult struct {
	PairID     string      `json:"pair_id"`
	Domain     string      `json:"domain"`
	Iterations []Iteration `json:"iterations"`
	Status     PairStatus  `json:"status"`
}

// Transition moves the pair status forward. Approved is terminal: any
// attempt to leave it fails. Escalated may still resolve to approved or
// rejected (via the conflict resolver), but never back to pending.
func (p *PairResult) Transition(next PairStatus) error {
	switch p.Status {
	case PairApproved, PairRejected:
		if next != p.Status {
			return fmt.Errorf("%w: %s -> %s", ErrStatusFinal, p.Status, next)
		}
		return nil
	case PairEscalated:
		if next == PairPending {
			return fmt.Errorf("%w: %s -> %s", ErrStatusFinal, p.Status, next)
		}
	}
	p.Status = next
	return nil
}

// FinalProposal returns the proposal from the last iteration, or "" if
// the pair never iterated.
func (p *PairResult) FinalProposal() string {
	if len(p.Iterations) == 0 {
		return ""
	}
	return p.Iterations[len(p.Iterations)-1].Proposal
}

// FinalReview returns the review from the last iteration.
func (p *PairResult) FinalReview() Review {
	if len(p.Iterations) == 0 {
		return Review{}
	}
	return p.Iterations[len(p.Iterations)-1].Review
}

// ResolutionKind distinguishes the two arbiter outcomes.
type ResolutionKind string

const (
	// ResolutionDirective restarts the pair with synthesized constraints.
	ResolutionDirective ResolutionKind = "directive"

	// ResolutionOverride marks the pair approved or rejected directly.
	ResolutionOverride ResolutionKind = "override"
)

// Resolution is an arbiter decision. Once recorded on a Conflict it is
// immutable; no component may revisit or overturn it.
type Resolution struct {
	Kind      ResolutionKind `json:"kind"`
	Directive string         `json:"directive,omitempty"`
	Approved  bool           `json:"approved"`
	Rationale string         `json:"rationale"`
	DecidedAt time.Time      `json:"decided_at"`
}

// Conflict captures a pair that exhausted its iteration budget without
// approval, for arbitration.
type Conflict struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id"`
	PairID     string      `json:"pair_id"`
	Domain     string      `json:"domain"`
	Proposal   string      `json:"proposal"`
	Review     Review      `json:"review"`
	History    []Iteration `json:"history"`
	Resolution *Resolution `json:"resolution,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Resolve records the resolution. A second call fails regardless of
// content: resolutions are recorded once and never overturned.
func (c *Conflict) Resolve(r Resolution) error {
	if c.Resolution != nil {
		return fmt.Errorf("%w: conflict %s already resolved", ErrStatusFinal, c.ID)
	}
	if r.DecidedAt.IsZero() {
		r.DecidedAt = time.Now()
	}
	c.Resolution = &r
	return nil
}

// FinalDecision is the single binding outcome of one refinement
// orchestrator invocation.
type FinalDecision struct {
	Approved    bool         `json:"approved"`
	Score       float64      `json:"score"`
	Rationale   string       `json:"rationale"`
	ArtifactIDs []string     `json:"artifact_ids,omitempty"`
	Pairs       []PairResult `json:"pairs,omitempty"`
	DecidedAt   time.Time    `json:"decided_at"`
}
