package pipeline

import (
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// AnnotationPartial marks artifacts committed by the force-commit
// bound policy as partial successes.
const AnnotationPartial = "partial_success"

// ReplanGuard bounds the validate-to-plan loop. The replan counter
// lives on the task state; the guard decides what a replan signal
// becomes once the bound is reached.
type ReplanGuard struct {
	bound  int
	policy string
}

// NewReplanGuard creates a guard. The policy is fail or force_commit.
func NewReplanGuard(bound int, policy string) *ReplanGuard {
	if bound < 1 {
		bound = 1
	}
	return &ReplanGuard{bound: bound, policy: policy}
}

// Admit converts a replan signal into the signal the pipeline should
// apply. Under the bound it increments the counter and allows the
// replan. At the bound the configured policy applies: fail terminates
// the task, force_commit commits what exists with every artifact
// annotated as partial.
func (g *ReplanGuard) Admit(state *task.State) task.Signal {
	if state.Replans < g.bound {
		state.Replans++
		return task.SignalReplan
	}

	if g.policy == config.ReplanPolicyForceCommit {
		for i := range state.Artifacts {
			if state.Artifacts[i].Annotations == nil {
				state.Artifacts[i].Annotations = make(map[string]string)
			}
			state.Artifacts[i].Annotations[AnnotationPartial] = "true"
			state.Artifacts[i].Validated = true
		}
		return task.SignalCommit
	}
	return task.SignalFail
}

// Bound returns the configured replan bound.
func (g *ReplanGuard) Bound() int {
	return g.bound
}
