package refinement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// Orchestrator selects which domain pairs run for a task, sequences
// them in phases, aggregates their scores, and issues one binding
// final decision. Pairs within a phase run concurrently; a later phase
// sees the approved proposals of earlier phases.
type Orchestrator struct {
	cfg      config.RefinementConfig
	engine   *PairEngine
	resolver *ConflictResolver
	private  *knowledge.PrivateStore
	audit    *knowledge.AuditLog
	logger   *logging.Logger

	tracer            trace.Tracer
	pairsRun          metric.Int64Counter
	conflictsResolved metric.Int64Counter
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg config.RefinementConfig, engine *PairEngine, resolver *ConflictResolver, private *knowledge.PrivateStore, audit *knowledge.AuditLog, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		resolver: resolver,
		private:  private,
		audit:    audit,
		logger:   logger.Named("refinement"),
		tracer:   otel.Tracer("stagehand/refinement"),
	}

	meter := otel.Meter("stagehand/refinement")
	var err error
	o.pairsRun, err = meter.Int64Counter("refinement.pairs.run",
		metric.WithDescription("Proposer/reviewer pairs executed"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create pairs counter", zap.Error(err))
	}
	o.conflictsResolved, err = meter.Int64Counter("refinement.conflicts.resolved",
		metric.WithDescription("Escalated pairs arbitrated"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create conflicts counter", zap.Error(err))
	}
	return o
}

// Refine runs the full refinement for one task and returns its final
// decision. Strict mode forces the security domain into the selection.
func (o *Orchestrator) Refine(ctx context.Context, state *task.State, strict bool) (*task.FinalDecision, error) {
	ctx, span := o.tracer.Start(ctx, "refinement.refine")
	defer span.End()

	domains := o.selectDomains(state.Description, strict)
	if len(domains) == 0 {
		return nil, fmt.Errorf("no refinement domains configured")
	}

	o.logger.Info(ctx, "refinement started",
		zap.String("task_id", state.ID),
		zap.Int("pairs", len(domains)),
		zap.Bool("strict", strict))

	var (
		allPairs    []task.PairResult
		artifactIDs []string
		prior       []string
	)

	for _, phase := range phaseOrder(domains) {
		pairs, err := o.runPhase(ctx, state, domainsInPhase(domains, phase), prior)
		if err != nil {
			return nil, err
		}
		for i := range pairs {
			allPairs = append(allPairs, pairs[i])
			if pairs[i].Status != task.PairApproved {
				continue
			}
			id, err := o.storeProposal(ctx, state.ID, &pairs[i])
			if err != nil {
				return nil, err
			}
			artifactIDs = append(artifactIDs, id)
			prior = append(prior, fmt.Sprintf("[%s] %s", pairs[i].Domain, pairs[i].FinalProposal()))
		}
	}

	decision := o.aggregate(allPairs, artifactIDs)
	o.logger.Info(ctx, "refinement decided",
		zap.String("task_id", state.ID),
		zap.Bool("approved", decision.Approved),
		zap.Float64("score", decision.Score))
	return decision, nil
}

// runPhase fans the phase's pairs out concurrently. A pair-level
// failure cancels the phase.
func (o *Orchestrator) runPhase(ctx context.Context, state *task.State, domains []config.DomainConfig, prior []string) ([]task.PairResult, error) {
	results := make([]task.PairResult, len(domains))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, dom := range domains {
		g.Go(func() error {
			pair, err := o.runPair(gctx, state.ID, dom, o.subproblem(state.Description, dom, prior))
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = *pair
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runPair executes one pair, arbitrating escalations. Each escalation
// creates one conflict with exactly one resolution; directive restarts
// are bounded by the arbiter retry budget, after which the arbiter
// must override.
func (o *Orchestrator) runPair(ctx context.Context, taskID string, dom config.DomainConfig, subproblem string) (*task.PairResult, error) {
	if o.pairsRun != nil {
		o.pairsRun.Add(ctx, 1)
	}

	constraints := ""
	directives := 0
	pair, err := o.engine.Run(ctx, taskID, dom, subproblem, constraints)
	if err != nil {
		return nil, err
	}

	for pair.Status == task.PairEscalated {
		conflict := NewConflict(taskID, pair)
		o.recordConflict(ctx, conflict)

		resolution, err := o.resolver.Arbitrate(ctx, conflict, directives < o.cfg.ArbiterRetries)
		if err != nil {
			return pair, err
		}
		if o.conflictsResolved != nil {
			o.conflictsResolved.Add(ctx, 1)
		}

		if resolution.Kind == task.ResolutionDirective {
			directives++
			if constraints != "" {
				constraints += "\n"
			}
			constraints += resolution.Directive
			pair, err = o.engine.Run(ctx, taskID, dom, subproblem, constraints)
			if err != nil {
				return nil, err
			}
			continue
		}

		next := task.PairRejected
		if resolution.Approved {
			next = task.PairApproved
		}
		if err := pair.Transition(next); err != nil {
			return pair, err
		}
	}
	return pair, nil
}

// selectDomains matches configured domain keywords against the task
// description. Strict mode always includes security. When fewer than
// two domains match, the lowest phases fill in so complex work always
// sees more than one perspective.
func (o *Orchestrator) selectDomains(description string, strict bool) []config.DomainConfig {
	lower := strings.ToLower(description)
	selected := make([]config.DomainConfig, 0, len(o.cfg.Domains))
	picked := make(map[string]bool)

	for _, dom := range o.cfg.Domains {
		for _, kw := range dom.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				selected = append(selected, dom)
				picked[dom.Name] = true
				break
			}
		}
	}

	if strict && !picked["security"] {
		for _, dom := range o.cfg.Domains {
			if dom.Name == "security" {
				selected = append(selected, dom)
				picked[dom.Name] = true
				break
			}
		}
	}

	if len(selected) < 2 {
		ordered := append([]config.DomainConfig(nil), o.cfg.Domains...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Phase < ordered[j].Phase })
		for _, dom := range ordered {
			if len(selected) >= 2 {
				break
			}
			if !picked[dom.Name] {
				selected = append(selected, dom)
				picked[dom.Name] = true
			}
		}
	}
	return selected
}

func (o *Orchestrator) subproblem(description string, dom config.DomainConfig, prior []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Address the %s concerns of this task:\n%s\n", dom.Name, description)
	if len(prior) > 0 {
		sb.WriteString("\nApproved proposals from earlier phases:\n")
		for _, p := range prior {
			sb.WriteString(p)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (o *Orchestrator) storeProposal(ctx context.Context, taskID string, pair *task.PairResult) (string, error) {
	art := task.Artifact{
		ID:       uuid.New().String(),
		TaskID:   taskID,
		Producer: "pair:" + pair.Domain,
		Content:  pair.FinalProposal(),
		Scope:    task.ScopePrivate,
		Annotations: map[string]string{
			"pair_id": pair.PairID,
			"domain":  pair.Domain,
		},
		CreatedAt: time.Now(),
	}
	if err := o.private.Put(ctx, art); err != nil {
		return "", fmt.Errorf("store proposal: %w", err)
	}
	return art.ID, nil
}

// aggregate folds the pair results into the single binding decision:
// every pair approved, mean of final scores above the approval
// threshold, and no pair's weakest dimension below the floor.
func (o *Orchestrator) aggregate(pairs []task.PairResult, artifactIDs []string) *task.FinalDecision {
	decision := &task.FinalDecision{
		Pairs:       pairs,
		ArtifactIDs: artifactIDs,
		DecidedAt:   time.Now(),
	}

	var (
		sum      float64
		scored   int
		rejected []string
		weak     []string
	)
	for _, p := range pairs {
		if len(p.Iterations) > 0 {
			sum += p.Iterations[len(p.Iterations)-1].Score
			scored++
		}
		if p.Status != task.PairApproved {
			rejected = append(rejected, p.Domain)
		}
		if len(p.Iterations) > 0 && p.FinalReview().Min() < o.cfg.DimensionFloor {
			weak = append(weak, p.Domain)
		}
	}
	if scored > 0 {
		decision.Score = sum / float64(scored)
	}

	switch {
	case len(rejected) > 0:
		decision.Rationale = "pairs not approved: " + strings.Join(rejected, ", ")
	case decision.Score < o.cfg.ApprovalThreshold:
		decision.Rationale = fmt.Sprintf("aggregate score %.2f below approval threshold %.2f", decision.Score, o.cfg.ApprovalThreshold)
	case len(weak) > 0:
		decision.Rationale = "dimension floor violated in: " + strings.Join(weak, ", ")
	default:
		decision.Approved = true
		decision.Rationale = fmt.Sprintf("all %d pairs approved with aggregate score %.2f", len(pairs), decision.Score)
	}
	return decision
}

func (o *Orchestrator) recordConflict(ctx context.Context, c *task.Conflict) {
	if o.audit == nil {
		return
	}
	_ = o.audit.Append(ctx, knowledge.AuditEvent{
		TaskID:    c.TaskID,
		Type:      knowledge.AuditConflict,
		Component: "pair:" + c.Domain,
		Detail: map[string]string{
			"conflict_id": c.ID,
			"pair_id":     c.PairID,
		},
	})
}

func phaseOrder(domains []config.DomainConfig) []int {
	seen := make(map[int]bool)
	var phases []int
	for _, d := range domains {
		if !seen[d.Phase] {
			seen[d.Phase] = true
			phases = append(phases, d.Phase)
		}
	}
	sort.Ints(phases)
	return phases
}

func domainsInPhase(domains []config.DomainConfig, phase int) []config.DomainConfig {
	var out []config.DomainConfig
	for _, d := range domains {
		if d.Phase == phase {
			out = append(out, d)
		}
	}
	return out
}
