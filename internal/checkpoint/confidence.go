package checkpoint

import (
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// Confidence is a multi-dimensional estimate of how likely the task is
// to finish well without supervision. Dimensions and the overall score
// are in [0, 1].
type Confidence struct {
	Overall    float64            `json:"overall"`
	Dimensions map[string]float64 `json:"dimensions"`
}

// Dimension weights. Validation evidence dominates; tier risk and
// replan pressure temper it.
var confidenceWeights = map[string]float64{
	"validation": 0.4,
	"progress":   0.2,
	"stability":  0.2,
	"tier_risk":  0.2,
}

// tierRisk maps complexity tiers to a trust prior.
func tierRisk(tier task.Tier) float64 {
	switch tier {
	case task.TierSimple:
		return 1.0
	case task.TierMedium:
		return 0.85
	case task.TierComplex:
		return 0.65
	case task.TierCritical:
		return 0.5
	default:
		return 0.85
	}
}

// Estimate computes the confidence for a task at its current stage.
// The threshold is only used for the neutral prior when no validation
// evidence exists yet.
func Estimate(state *task.State, threshold float64) Confidence {
	dims := make(map[string]float64, len(confidenceWeights))

	// Validation evidence, normalized from the 0-10 score. Before any
	// validation ran, sit at the threshold so the decision rests on
	// the other dimensions.
	switch {
	case state.Validation == nil:
		dims["validation"] = clamp01(threshold)
	case state.Validation.Passed:
		dims["validation"] = clamp01(state.Validation.Score / 10.0)
	default:
		dims["validation"] = clamp01(state.Validation.Score / 20.0)
	}

	// Progress through the pipeline.
	dims["progress"] = stageProgress(state.Stage)

	// Stability degrades with each replan.
	dims["stability"] = clamp01(1.0 - 0.25*float64(state.Replans))

	dims["tier_risk"] = tierRisk(state.Tier)

	var overall float64
	for name, weight := range confidenceWeights {
		overall += weight * dims[name]
	}

	return Confidence{Overall: clamp01(overall), Dimensions: dims}
}

func stageProgress(stage task.Stage) float64 {
	stages := task.PipelineStages()
	for i, s := range stages {
		if s == stage {
			return float64(i+1) / float64(len(stages))
		}
	}
	return 1.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
