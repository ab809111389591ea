package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/commit"
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
	"github.com/fyrsmithlabs/stagehand/internal/tools"
)

// stageGateway answers each stage's prompt from canned behavior. The
// validation scores are consumed in order; the last one repeats.
type stageGateway struct {
	mu     sync.Mutex
	scores []float64
	delay  time.Duration
}

func (g *stageGateway) nextScore() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.scores) == 0 {
		return 9
	}
	s := g.scores[0]
	if len(g.scores) > 1 {
		g.scores = g.scores[1:]
	}
	return s
}

func (g *stageGateway) Assess(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, gateway.ErrTimeout
		}
	}
	switch {
	case strings.Contains(req.System, "Analyze"):
		return &gateway.Response{Text: "analysis"}, nil
	case strings.Contains(req.System, "execution plan"):
		return &gateway.Response{Text: "1. do it"}, nil
	case strings.Contains(req.System, "Execute"):
		body, _ := json.Marshal(map[string]any{"output": "result", "invocations": []any{}})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	case strings.Contains(req.System, "Score"):
		body, _ := json.Marshal(map[string]any{"score": g.nextScore(), "reason": "checked"})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	}
	return nil, gateway.ErrMalformed
}

type memWriter struct {
	mu      sync.Mutex
	written []task.Artifact
}

func (w *memWriter) WriteShared(_ context.Context, arts []task.Artifact) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range arts {
		if !a.Validated {
			return knowledge.ErrNotValidated
		}
	}
	w.written = append(w.written, arts...)
	return nil
}

type stubRefiner struct {
	calls int
}

func (s *stubRefiner) Refine(_ context.Context, _ *task.State, _ bool) (*task.FinalDecision, error) {
	s.calls++
	return &task.FinalDecision{Approved: true, Score: 9}, nil
}

type fixture struct {
	runner  *Runner
	writer  *memWriter
	refiner *stubRefiner
	audit   *knowledge.AuditLog
}

func newFixture(t *testing.T, gw gateway.Gateway, mutate func(*config.EngineConfig)) *fixture {
	t.Helper()
	cfg := config.EngineConfig{
		ReplanBound:               3,
		ReplanPolicy:              config.ReplanPolicyFail,
		StageTimeout:              time.Second,
		ValidationThreshold:       6.0,
		StrictValidationThreshold: 8.0,
		Routing:                   config.DefaultRouting(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	audit, err := knowledge.NewAuditLog("", nil, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	private := knowledge.NewPrivateStore(time.Minute, logging.NewNop())
	t.Cleanup(private.Close)

	writer := &memWriter{}
	refiner := &stubRefiner{}
	handlers := NewHandlers(cfg, gw, tools.NewRegistry(logging.NewNop()), private, nil, refiner, logging.NewNop())
	gate := commit.NewGate(writer, audit, logging.NewNop())
	guard := NewReplanGuard(cfg.ReplanBound, cfg.ReplanPolicy)
	runner := NewRunner(cfg, handlers, guard, checkpoint.NewNoop(), gate, audit, private, logging.NewNop())

	return &fixture{runner: runner, writer: writer, refiner: refiner, audit: audit}
}

func TestSimpleTaskCommitsWithoutRefinement(t *testing.T) {
	f := newFixture(t, &stageGateway{}, nil)

	st := task.NewState("t1", "fix the typo", 1)
	st.Tier = task.TierSimple

	err := f.runner.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, st.Status)
	assert.Zero(t, st.Replans)
	assert.Zero(t, f.refiner.calls)
	assert.NotEmpty(t, f.writer.written)
	for _, a := range f.writer.written {
		assert.True(t, a.Validated)
		assert.Equal(t, task.ScopeShared, a.Scope)
	}
}

func TestComplexTaskRoutesThroughRefinement(t *testing.T) {
	f := newFixture(t, &stageGateway{}, nil)

	st := task.NewState("t1", "redesign the storage layer", 4)
	st.Tier = task.TierComplex

	err := f.runner.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, st.Status)
	assert.Equal(t, 1, f.refiner.calls)
}

func TestReplanBoundFailsInsteadOfLooping(t *testing.T) {
	// The validator never passes; with a bound of 3 the task must fail
	// after exactly three replans, not loop forever.
	gw := &stageGateway{scores: []float64{2}}
	f := newFixture(t, gw, nil)

	st := task.NewState("t1", "impossible ask", 1)
	st.Tier = task.TierSimple

	err := f.runner.Run(context.Background(), st)

	require.Error(t, err)
	assert.Equal(t, task.StatusFailed, st.Status)
	assert.Equal(t, 3, st.Replans)
	assert.Contains(t, st.FailureReason, "checked")

	var replans int
	for _, ev := range f.audit.TaskEvents("t1") {
		if ev.Type == knowledge.AuditReplan {
			replans++
		}
	}
	assert.Equal(t, 3, replans)
}

func TestForceCommitPolicyAnnotatesPartial(t *testing.T) {
	gw := &stageGateway{scores: []float64{2}}
	f := newFixture(t, gw, func(cfg *config.EngineConfig) {
		cfg.ReplanPolicy = config.ReplanPolicyForceCommit
	})

	st := task.NewState("t1", "impossible ask", 1)
	st.Tier = task.TierSimple

	err := f.runner.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, st.Status)
	require.NotEmpty(t, f.writer.written)
	for _, a := range f.writer.written {
		assert.Equal(t, "true", a.Annotations[AnnotationPartial])
	}
}

func TestValidationRecoversAfterReplan(t *testing.T) {
	// First validation fails, second passes: one replan, then commit.
	gw := &stageGateway{scores: []float64{3, 9}}
	f := newFixture(t, gw, nil)

	st := task.NewState("t1", "flaky ask", 1)
	st.Tier = task.TierMedium

	err := f.runner.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, st.Status)
	assert.Equal(t, 1, st.Replans)
}

func TestStageTimeoutFailsTask(t *testing.T) {
	gw := &stageGateway{delay: 200 * time.Millisecond}
	f := newFixture(t, gw, func(cfg *config.EngineConfig) {
		cfg.StageTimeout = 20 * time.Millisecond
	})

	st := task.NewState("t1", "slow ask", 1)
	st.Tier = task.TierSimple

	err := f.runner.Run(context.Background(), st)

	require.Error(t, err)
	assert.Equal(t, task.StatusFailed, st.Status)
	assert.Contains(t, st.FailureReason, "analysis failed")
}

func TestCancellationObservedBetweenStages(t *testing.T) {
	f := newFixture(t, &stageGateway{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := task.NewState("t1", "anything", 1)
	err := f.runner.Run(ctx, st)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, task.StatusCancelled, st.Status)
}

func TestCancellationMidStageYieldsCancelled(t *testing.T) {
	// Cancel while the analyze gateway call is in flight: the interrupted
	// stage's result is discarded and the task ends cancelled, not failed.
	gw := &stageGateway{delay: 500 * time.Millisecond}
	f := newFixture(t, gw, func(cfg *config.EngineConfig) {
		cfg.StageTimeout = 5 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	st := task.NewState("t1", "slow ask", 1)
	st.Tier = task.TierSimple

	err := f.runner.Run(ctx, st)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, task.StatusCancelled, st.Status)
	assert.Equal(t, "cancelled", st.FailureReason)
}

// invokeGateway always asks for one capability invocation.
type invokeGateway struct{}

func (invokeGateway) Assess(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	if !strings.Contains(req.System, "Execute") {
		return &gateway.Response{Text: "ok"}, nil
	}
	body, _ := json.Marshal(map[string]any{
		"output":      "result",
		"invocations": []any{map[string]any{"capability": "shell", "params": map[string]any{}}},
	})
	return &gateway.Response{Text: string(body), Parsed: body}, nil
}

func TestInvocationWithoutRegistryFails(t *testing.T) {
	h := NewHandlers(config.EngineConfig{}, invokeGateway{}, nil, nil, nil, nil, logging.NewNop())

	st := task.NewState("t1", "run the script", 1)
	st.Tier = task.TierSimple
	st.Stage = task.StageExecute

	signal, err := h.Run(context.Background(), st)

	require.NoError(t, err)
	assert.Equal(t, task.SignalFail, signal)
	assert.Contains(t, st.FailureReason, "no registry")
}

func TestCriticalTierUsesStrictThreshold(t *testing.T) {
	// Standard pass at 7 is below the strict threshold of 8: a critical
	// task must keep replanning and finally fail.
	gw := &stageGateway{scores: []float64{7}}
	f := newFixture(t, gw, nil)

	st := task.NewState("t1", "rotate the keys", 5)
	st.Tier = task.TierCritical

	err := f.runner.Run(context.Background(), st)

	require.Error(t, err)
	assert.Equal(t, task.StatusFailed, st.Status)
	require.NotNil(t, st.Validation)
	assert.True(t, st.Validation.Strict)
}

func TestGuardAdmitCountsMonotonically(t *testing.T) {
	g := NewReplanGuard(2, config.ReplanPolicyFail)
	st := task.NewState("t1", "x", 1)

	assert.Equal(t, task.SignalReplan, g.Admit(st))
	assert.Equal(t, task.SignalReplan, g.Admit(st))
	assert.Equal(t, task.SignalFail, g.Admit(st))
	assert.Equal(t, 2, st.Replans)
}
