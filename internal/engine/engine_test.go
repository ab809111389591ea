package engine

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
	"github.com/fyrsmithlabs/stagehand/internal/classifier"
	"github.com/fyrsmithlabs/stagehand/internal/commit"
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/pipeline"
	"github.com/fyrsmithlabs/stagehand/internal/task"
	"github.com/fyrsmithlabs/stagehand/internal/tools"
)

// fullGateway serves the classifier and every pipeline stage.
type fullGateway struct {
	mu    sync.Mutex
	tier  string
	delay time.Duration
}

func (g *fullGateway) Assess(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, gateway.ErrTimeout
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case strings.Contains(req.System, "classify"):
		body, _ := json.Marshal(map[string]string{"tier": g.tier, "rationale": "size"})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	case strings.Contains(req.System, "Analyze"):
		return &gateway.Response{Text: "analysis"}, nil
	case strings.Contains(req.System, "execution plan"):
		return &gateway.Response{Text: "1. do it"}, nil
	case strings.Contains(req.System, "Execute"):
		body, _ := json.Marshal(map[string]any{"output": "result", "invocations": []any{}})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	case strings.Contains(req.System, "Score"):
		body, _ := json.Marshal(map[string]any{"score": 9.0, "reason": "good"})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	}
	return nil, gateway.ErrMalformed
}

type nopWriter struct{}

func (nopWriter) WriteShared(_ context.Context, arts []task.Artifact) error {
	for _, a := range arts {
		if !a.Validated {
			return knowledge.ErrNotValidated
		}
	}
	return nil
}

type approveRefiner struct{}

func (approveRefiner) Refine(_ context.Context, _ *task.State, _ bool) (*task.FinalDecision, error) {
	return &task.FinalDecision{Approved: true, Score: 9}, nil
}

func newTestEngine(t *testing.T, gw gateway.Gateway) *Engine {
	t.Helper()
	cfg := config.EngineConfig{
		ReplanBound:               3,
		ReplanPolicy:              config.ReplanPolicyFail,
		StageTimeout:              time.Second,
		ValidationThreshold:       6.0,
		StrictValidationThreshold: 8.0,
		Routing:                   config.DefaultRouting(),
	}

	audit, err := knowledge.NewAuditLog("", nil, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	private := knowledge.NewPrivateStore(time.Minute, logging.NewNop())
	t.Cleanup(private.Close)

	handlers := pipeline.NewHandlers(cfg, gw, tools.NewRegistry(logging.NewNop()), private, nil, approveRefiner{}, logging.NewNop())
	gate := commit.NewGate(nopWriter{}, audit, logging.NewNop())
	guard := pipeline.NewReplanGuard(cfg.ReplanBound, cfg.ReplanPolicy)
	runner := pipeline.NewRunner(cfg, handlers, guard, checkpoint.NewNoop(), gate, audit, private, logging.NewNop())

	e := New(runner, classifier.New(gw, logging.NewNop()), logging.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestSubmitDrivesTaskToCommit(t *testing.T) {
	e := newTestEngine(t, &fullGateway{tier: "simple"})

	id, err := e.Submit(context.Background(), "fix the typo", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, id))

	st, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCommitted, st.Status)
	assert.Equal(t, task.TierSimple, st.Tier)

	arts, err := e.Result(id)
	require.NoError(t, err)
	assert.NotEmpty(t, arts)
}

func TestStatusIsIdempotentSnapshot(t *testing.T) {
	e := newTestEngine(t, &fullGateway{tier: "simple"})

	id, err := e.Submit(context.Background(), "small thing", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, id))

	a, err := e.Status(id)
	require.NoError(t, err)
	b, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResultBeforeTerminal(t *testing.T) {
	e := newTestEngine(t, &fullGateway{tier: "simple", delay: 200 * time.Millisecond})

	id, err := e.Submit(context.Background(), "slow thing", 1)
	require.NoError(t, err)

	_, err = e.Result(id)
	assert.ErrorIs(t, err, ErrNotTerminal)
}

func TestCancelTerminatesTask(t *testing.T) {
	e := newTestEngine(t, &fullGateway{tier: "simple", delay: 300 * time.Millisecond})

	id, err := e.Submit(context.Background(), "doomed thing", 1)
	require.NoError(t, err)
	require.NoError(t, e.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, id))

	st, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, st.Status)

	_, err = e.Result(id)
	assert.ErrorContains(t, err, "cancelled")
}

func TestListFiltersByStatus(t *testing.T) {
	e := newTestEngine(t, &fullGateway{tier: "simple"})

	id1, err := e.Submit(context.Background(), "first", 1)
	require.NoError(t, err)
	id2, err := e.Submit(context.Background(), "second", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, id1))
	require.NoError(t, e.Wait(ctx, id2))

	all := e.List("")
	assert.Len(t, all, 2)
	committed := e.List(task.StatusCommitted)
	assert.Len(t, committed, 2)
	failed := e.List(task.StatusFailed)
	assert.Empty(t, failed)
}

func TestUnknownTaskID(t *testing.T) {
	e := newTestEngine(t, &fullGateway{tier: "simple"})

	_, err := e.Status("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = e.Result("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, e.Cancel("missing"), ErrTaskNotFound)
}

func TestSubmitRejectedAfterShutdown(t *testing.T) {
	e := newTestEngine(t, &fullGateway{tier: "simple"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	_, err := e.Submit(context.Background(), "late", 1)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
