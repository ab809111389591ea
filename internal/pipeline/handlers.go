package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
	"github.com/fyrsmithlabs/stagehand/internal/tools"
)

var (
	executeSchema  = json.RawMessage(`{"output": "string", "invocations": []}`)
	validateSchema = json.RawMessage(`{"score": 0, "reason": "string"}`)
)

// Refiner is the slice of the refinement orchestrator the execute
// stage needs.
type Refiner interface {
	Refine(ctx context.Context, state *task.State, strict bool) (*task.FinalDecision, error)
}

// Handlers implements the four pipeline stages. A handler mutates the
// task state it is handed and returns a routing signal; failures it
// can absorb become signals, everything else is an error the runner
// converts to a terminal failure.
type Handlers struct {
	cfg      config.EngineConfig
	gw       gateway.Gateway
	registry *tools.Registry
	private  *knowledge.PrivateStore
	shared   *knowledge.SharedStore
	refiner  Refiner
	logger   *logging.Logger
}

// NewHandlers creates the stage handlers.
func NewHandlers(cfg config.EngineConfig, gw gateway.Gateway, registry *tools.Registry, private *knowledge.PrivateStore, shared *knowledge.SharedStore, refiner Refiner, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		cfg:      cfg,
		gw:       gw,
		registry: registry,
		private:  private,
		shared:   shared,
		refiner:  refiner,
		logger:   logger.Named("stages"),
	}
}

// Run dispatches one stage.
func (h *Handlers) Run(ctx context.Context, state *task.State) (task.Signal, error) {
	ctx = logging.WithStage(ctx, string(state.Stage))
	switch state.Stage {
	case task.StageAnalyze:
		return h.analyze(ctx, state)
	case task.StagePlan:
		return h.plan(ctx, state)
	case task.StageExecute:
		return h.execute(ctx, state)
	case task.StageValidate:
		return h.validate(ctx, state)
	default:
		return task.SignalFail, fmt.Errorf("no handler for stage %q", state.Stage)
	}
}

// analyze decomposes the description, seeded with related shared
// knowledge. With nothing to fall back on, a failure here fails the
// task rather than routing to plan.
func (h *Handlers) analyze(ctx context.Context, state *task.State) (task.Signal, error) {
	var prior strings.Builder
	if h.shared != nil {
		related, err := h.shared.Search(ctx, state.Description, 3)
		if err != nil {
			h.logger.Warn(ctx, "shared knowledge lookup failed", zap.Error(err))
		}
		for _, art := range related {
			fmt.Fprintf(&prior, "- %s\n", snippet(art.Content, 200))
		}
	}

	prompt := fmt.Sprintf("Task:\n%s\n", state.Description)
	if prior.Len() > 0 {
		prompt += "\nRelated prior work:\n" + prior.String()
	}

	resp, err := h.gw.Assess(ctx, gateway.Request{
		System: "Analyze the task: identify its parts, constraints, unknowns, and risks. Be concrete.",
		Prompt: prompt,
	})
	if err != nil {
		state.FailureReason = fmt.Sprintf("analysis failed: %v", err)
		return task.SignalFail, nil
	}

	h.addArtifact(ctx, state, "analyze", resp.Text, nil)
	return task.SignalContinue, nil
}

// plan produces an execution plan, folding in validation feedback on
// replans. Gateway failures route back through the replan guard.
func (h *Handlers) plan(ctx context.Context, state *task.State) (task.Signal, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task:\n%s\n", state.Description)
	if analysis := lastArtifactContent(state, "analyze"); analysis != "" {
		fmt.Fprintf(&sb, "\nAnalysis:\n%s\n", analysis)
	}
	if state.Validation != nil && !state.Validation.Passed && state.Validation.Reason != "" {
		fmt.Fprintf(&sb, "\nThe previous attempt failed validation:\n%s\nPlan around it.\n", state.Validation.Reason)
	}

	resp, err := h.gw.Assess(ctx, gateway.Request{
		System: "Produce a step-by-step execution plan for the task. Number the steps.",
		Prompt: sb.String(),
	})
	if err != nil {
		state.Validation = &task.ValidationOutcome{
			Reason:    fmt.Sprintf("planning failed: %v", err),
			CheckedAt: time.Now(),
		}
		return task.SignalReplan, nil
	}

	annotations := map[string]string{"revision": fmt.Sprintf("%d", state.Replans)}
	h.addArtifact(ctx, state, "plan", resp.Text, annotations)
	return task.SignalContinue, nil
}

// execute carries out the plan. Simple and medium tiers take a direct
// gateway call plus capability invocations; complex and critical route
// through the refinement orchestrator.
func (h *Handlers) execute(ctx context.Context, state *task.State) (task.Signal, error) {
	route := h.cfg.Routing[string(state.Tier)]
	if route == "" {
		route = config.RouteStandard
	}
	if route == config.RouteStandard {
		return h.executeStandard(ctx, state)
	}
	return h.executeRefined(ctx, state, route == config.RouteRefineStrict)
}

func (h *Handlers) executeStandard(ctx context.Context, state *task.State) (task.Signal, error) {
	prompt := fmt.Sprintf("Task:\n%s\n\nPlan:\n%s\n", state.Description, lastArtifactContent(state, "plan"))
	if h.registry != nil {
		if names := h.registry.Names(); len(names) > 0 {
			prompt += fmt.Sprintf("\nAvailable capabilities: %s. List any you need under \"invocations\" as {\"capability\": name, \"params\": {...}}.\n", strings.Join(names, ", "))
		}
	}

	resp, err := h.gw.Assess(ctx, gateway.Request{
		System: "Execute the plan and return the produced output.",
		Prompt: prompt,
		Schema: executeSchema,
	})
	if err != nil {
		state.Validation = &task.ValidationOutcome{
			Reason:    fmt.Sprintf("execution failed: %v", err),
			CheckedAt: time.Now(),
		}
		return task.SignalReplan, nil
	}

	var out struct {
		Output      string `json:"output"`
		Invocations []struct {
			Capability string          `json:"capability"`
			Params     json.RawMessage `json:"params"`
		} `json:"invocations"`
	}
	if err := json.Unmarshal(resp.Parsed, &out); err != nil {
		state.Validation = &task.ValidationOutcome{
			Reason:    fmt.Sprintf("execution output malformed: %v", err),
			CheckedAt: time.Now(),
		}
		return task.SignalReplan, nil
	}

	for _, inv := range out.Invocations {
		if h.registry == nil {
			state.FailureReason = fmt.Sprintf("capability %q requested with no registry wired", inv.Capability)
			return task.SignalFail, nil
		}
		result, err := h.registry.Invoke(ctx, inv.Capability, inv.Params)
		if err != nil {
			// A missing capability is a wiring defect replanning cannot
			// repair.
			state.FailureReason = err.Error()
			return task.SignalFail, nil
		}
		h.addArtifact(ctx, state, "capability:"+inv.Capability, string(result), nil)
	}

	h.addArtifact(ctx, state, "execute", out.Output, nil)
	return task.SignalContinue, nil
}

func (h *Handlers) executeRefined(ctx context.Context, state *task.State, strict bool) (task.Signal, error) {
	decision, err := h.refiner.Refine(ctx, state, strict)
	if err != nil {
		if ctx.Err() != nil {
			return task.SignalFail, ctx.Err()
		}
		state.FailureReason = fmt.Sprintf("refinement failed: %v", err)
		return task.SignalFail, nil
	}

	if !decision.Approved {
		state.Validation = &task.ValidationOutcome{
			Score:     decision.Score,
			Reason:    decision.Rationale,
			CheckedAt: time.Now(),
		}
		return task.SignalReplan, nil
	}

	for _, id := range decision.ArtifactIDs {
		art, err := h.private.Get(ctx, state.ID, id)
		if err != nil {
			return task.SignalFail, fmt.Errorf("refined artifact %s: %w", id, err)
		}
		state.Artifacts = append(state.Artifacts, art)
	}
	return task.SignalContinue, nil
}

// validate scores the produced artifacts against the task and plan.
// Critical tasks face a second, stricter pass and the higher
// threshold; the lower of the two scores counts.
func (h *Handlers) validate(ctx context.Context, state *task.State) (task.Signal, error) {
	strict := state.Tier == task.TierCritical
	threshold := h.cfg.ValidationThreshold
	if strict {
		threshold = h.cfg.StrictValidationThreshold
	}

	score, reason, err := h.scoreOutput(ctx, state, false)
	if err != nil {
		state.Validation = &task.ValidationOutcome{
			Reason:    fmt.Sprintf("validation failed: %v", err),
			Strict:    strict,
			CheckedAt: time.Now(),
		}
		return task.SignalReplan, nil
	}

	if strict && score >= threshold {
		strictScore, strictReason, err := h.scoreOutput(ctx, state, true)
		if err != nil {
			state.Validation = &task.ValidationOutcome{
				Reason:    fmt.Sprintf("strict validation failed: %v", err),
				Strict:    true,
				CheckedAt: time.Now(),
			}
			return task.SignalReplan, nil
		}
		if strictScore < score {
			score, reason = strictScore, strictReason
		}
	}

	outcome := &task.ValidationOutcome{
		Passed:    score >= threshold,
		Score:     score,
		Reason:    reason,
		Strict:    strict,
		CheckedAt: time.Now(),
	}
	state.Validation = outcome

	if !outcome.Passed {
		return task.SignalReplan, nil
	}

	for i := range state.Artifacts {
		state.Artifacts[i].Validated = true
	}
	return task.SignalCommit, nil
}

func (h *Handlers) scoreOutput(ctx context.Context, state *task.State, strict bool) (float64, string, error) {
	system := "Score how well the output satisfies the task and plan, 0-10. Explain the score."
	if strict {
		system = "Score with maximum rigor, 0-10. Any unhandled edge case, security gap, or deviation from the plan caps the score low. Explain the score."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task:\n%s\n\nPlan:\n%s\n\nOutput:\n", state.Description, lastArtifactContent(state, "plan"))
	for _, art := range state.Artifacts {
		if art.Producer == "analyze" || art.Producer == "plan" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n", art.Producer, art.Content)
	}

	resp, err := h.gw.Assess(ctx, gateway.Request{
		System: system,
		Prompt: sb.String(),
		Schema: validateSchema,
	})
	if err != nil {
		return 0, "", err
	}

	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal(resp.Parsed, &out); err != nil {
		return 0, "", fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	if out.Score < 0 || out.Score > 10 {
		return 0, "", fmt.Errorf("%w: score %v out of range", gateway.ErrMalformed, out.Score)
	}
	return out.Score, out.Reason, nil
}

// addArtifact appends to the task state and mirrors into the private
// store.
func (h *Handlers) addArtifact(ctx context.Context, state *task.State, producer, content string, annotations map[string]string) {
	art := task.Artifact{
		ID:          uuid.New().String(),
		TaskID:      state.ID,
		Producer:    producer,
		Content:     content,
		Scope:       task.ScopePrivate,
		Annotations: annotations,
		CreatedAt:   time.Now(),
	}
	state.Artifacts = append(state.Artifacts, art)
	if h.private != nil {
		if err := h.private.Put(ctx, art); err != nil {
			h.logger.Warn(ctx, "private store write failed", zap.Error(err))
		}
	}
}

func lastArtifactContent(state *task.State, producer string) string {
	for i := len(state.Artifacts) - 1; i >= 0; i-- {
		if state.Artifacts[i].Producer == producer {
			return state.Artifacts[i].Content
		}
	}
	return ""
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
