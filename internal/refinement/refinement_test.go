package refinement

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// scriptedGateway answers proposer, reviewer, and arbiter calls from
// canned behavior, keyed off the system prompt.
type scriptedGateway struct {
	mu          sync.Mutex
	reviewScore float64
	arbiter     []string // queued arbiter actions: "approve", "reject", or a directive string
	reviews     int
	arbitrated  int
}

func (g *scriptedGateway) Assess(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case strings.Contains(req.System, "arbitrate"):
		g.arbitrated++
		action := "reject"
		if len(g.arbiter) > 0 {
			action = g.arbiter[0]
			g.arbiter = g.arbiter[1:]
		}
		var body []byte
		switch action {
		case "approve", "reject":
			body, _ = json.Marshal(map[string]string{"action": action, "directive": "", "rationale": "arbiter says so"})
		default:
			body, _ = json.Marshal(map[string]string{"action": "directive", "directive": action, "rationale": "retry with constraints"})
		}
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	case strings.Contains(req.System, "proposer"):
		return &gateway.Response{Text: "proposal text"}, nil
	case strings.Contains(req.System, "reviewer"):
		g.reviews++
		body, _ := json.Marshal(map[string]any{
			"correctness": g.reviewScore, "completeness": g.reviewScore,
			"quality": g.reviewScore, "efficiency": g.reviewScore,
			"security": g.reviewScore, "feedback": "tighten it up",
		})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	}
	return nil, gateway.ErrMalformed
}

func testDomain(name string, threshold, floor float64, phase int, keywords ...string) config.DomainConfig {
	return config.DomainConfig{
		Name:          name,
		Threshold:     threshold,
		Floor:         floor,
		MaxIterations: 3,
		Posture:       "adversarial",
		Phase:         phase,
		Keywords:      keywords,
	}
}

func newTestOrchestrator(t *testing.T, gw gateway.Gateway, domains ...config.DomainConfig) (*Orchestrator, *knowledge.PrivateStore) {
	t.Helper()
	audit, err := knowledge.NewAuditLog("", nil, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	private := knowledge.NewPrivateStore(time.Minute, logging.NewNop())
	t.Cleanup(private.Close)

	cfg := config.RefinementConfig{
		ApprovalThreshold: 7.0,
		DimensionFloor:    5.0,
		ArbiterRetries:    1,
		IterationTimeout:  time.Second,
		Domains:           domains,
	}
	engine := NewPairEngine(gw, audit, time.Second, logging.NewNop())
	resolver := NewConflictResolver(gw, audit, logging.NewNop())
	return NewOrchestrator(cfg, engine, resolver, private, audit, logging.NewNop()), private
}

func TestPairConvergesToApproved(t *testing.T) {
	gw := &scriptedGateway{reviewScore: 9}
	engine := NewPairEngine(gw, nil, time.Second, logging.NewNop())

	pair, err := engine.Run(context.Background(), "t1", testDomain("architecture", 8, 6, 0), "design the cache", "")

	require.NoError(t, err)
	assert.Equal(t, task.PairApproved, pair.Status)
	assert.Len(t, pair.Iterations, 1)
	assert.Equal(t, 1, gw.reviews)
}

func TestPairEscalatesAfterBudget(t *testing.T) {
	gw := &scriptedGateway{reviewScore: 6}
	engine := NewPairEngine(gw, nil, time.Second, logging.NewNop())

	dom := testDomain("architecture", 8, 9, 0)
	pair, err := engine.Run(context.Background(), "t1", dom, "design the cache", "")

	require.NoError(t, err)
	assert.Equal(t, task.PairEscalated, pair.Status)
	assert.Len(t, pair.Iterations, dom.MaxIterations)
}

func TestEscalatedPairArbitratedExactlyOnce(t *testing.T) {
	// Floor of 9 with a reviewer stuck at 6: the pair must escalate and
	// the resolver must be invoked exactly once, here with an override.
	gw := &scriptedGateway{reviewScore: 6, arbiter: []string{"approve"}}
	o, _ := newTestOrchestrator(t, gw, testDomain("architecture", 7, 9, 0))

	pair, err := o.runPair(context.Background(), "t1", testDomain("architecture", 7, 9, 0), "design it")

	require.NoError(t, err)
	assert.Equal(t, task.PairApproved, pair.Status)
	assert.Equal(t, 1, gw.arbitrated)
}

func TestDirectiveRestartBoundedThenOverride(t *testing.T) {
	// First arbitration issues a directive; the restarted pair still
	// cannot clear the floor, and with the single directive retry spent
	// the second arbitration must override.
	gw := &scriptedGateway{reviewScore: 6, arbiter: []string{"add input validation", "reject"}}
	o, _ := newTestOrchestrator(t, gw, testDomain("security", 7, 9, 0))

	pair, err := o.runPair(context.Background(), "t1", testDomain("security", 7, 9, 0), "harden it")

	require.NoError(t, err)
	assert.Equal(t, task.PairRejected, pair.Status)
	assert.Equal(t, 2, gw.arbitrated)
}

func TestResolutionIsImmutable(t *testing.T) {
	pair := &task.PairResult{PairID: "p1", Domain: "data", Status: task.PairEscalated,
		Iterations: []task.Iteration{{Proposal: "x", Score: 5}}}
	c := NewConflict("t1", pair)

	require.NoError(t, c.Resolve(task.Resolution{Kind: task.ResolutionOverride, Approved: true}))
	err := c.Resolve(task.Resolution{Kind: task.ResolutionOverride, Approved: false})

	assert.ErrorIs(t, err, task.ErrStatusFinal)
	assert.True(t, c.Resolution.Approved)
}

func TestRefineRunsAtLeastTwoPairs(t *testing.T) {
	gw := &scriptedGateway{reviewScore: 9}
	o, private := newTestOrchestrator(t, gw,
		testDomain("architecture", 8, 6, 0, "design"),
		testDomain("data", 8, 6, 1, "schema"),
		testDomain("security", 9, 7, 1, "auth"))

	st := task.NewState("t1", "design the schema for the billing service", 3)
	st.Tier = task.TierComplex

	decision, err := o.Refine(context.Background(), st, false)

	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.GreaterOrEqual(t, len(decision.Pairs), 2)
	assert.InDelta(t, 9.0, decision.Score, 0.01)

	// Approved proposals land in the private store, never shared.
	arts := private.List(context.Background(), "t1")
	assert.Len(t, arts, len(decision.ArtifactIDs))
	for _, a := range arts {
		assert.Equal(t, task.ScopePrivate, a.Scope)
		assert.False(t, a.Validated)
	}
}

func TestRefineStrictForcesSecurityPair(t *testing.T) {
	gw := &scriptedGateway{reviewScore: 9}
	o, _ := newTestOrchestrator(t, gw,
		testDomain("architecture", 8, 6, 0, "design"),
		testDomain("security", 9, 7, 1, "auth"))

	st := task.NewState("t1", "design the layout module", 3)
	st.Tier = task.TierCritical

	decision, err := o.Refine(context.Background(), st, true)

	require.NoError(t, err)
	domains := make(map[string]bool)
	for _, p := range decision.Pairs {
		domains[p.Domain] = true
	}
	assert.True(t, domains["security"])
}

func TestAggregateRejectsBelowThreshold(t *testing.T) {
	gw := &scriptedGateway{reviewScore: 6.5, arbiter: []string{"approve", "approve"}}
	o, _ := newTestOrchestrator(t, gw,
		testDomain("architecture", 6, 5, 0, "design"),
		testDomain("data", 6, 5, 0, "schema"))

	st := task.NewState("t1", "design the schema", 3)
	decision, err := o.Refine(context.Background(), st, false)

	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Contains(t, decision.Rationale, "below approval threshold")
}
