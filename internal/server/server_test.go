package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/classifier"
	"github.com/fyrsmithlabs/stagehand/internal/commit"
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/engine"
	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/pipeline"
	"github.com/fyrsmithlabs/stagehand/internal/task"
	"github.com/fyrsmithlabs/stagehand/internal/tools"
)

// happyGateway drives every call to a passing outcome.
type happyGateway struct{}

func (happyGateway) Assess(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	switch {
	case strings.Contains(req.System, "classify"):
		body, _ := json.Marshal(map[string]string{"tier": "simple", "rationale": "small"})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	case strings.Contains(req.System, "Execute"):
		body, _ := json.Marshal(map[string]any{"output": "result", "invocations": []any{}})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	case strings.Contains(req.System, "Score"):
		body, _ := json.Marshal(map[string]any{"score": 9.0, "reason": "good"})
		return &gateway.Response{Text: string(body), Parsed: body}, nil
	}
	return &gateway.Response{Text: "text"}, nil
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

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
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

	gw := happyGateway{}
	handlers := pipeline.NewHandlers(cfg, gw, tools.NewRegistry(logging.NewNop()), private, nil, approveRefiner{}, logging.NewNop())
	gate := commit.NewGate(nopWriter{}, audit, logging.NewNop())
	guard := pipeline.NewReplanGuard(cfg.ReplanBound, cfg.ReplanPolicy)
	runner := pipeline.NewRunner(cfg, handlers, guard, checkpoint.NewNoop(), gate, audit, private, logging.NewNop())

	eng := engine.New(runner, classifier.New(gw, logging.NewNop()), logging.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	srv, err := New(config.ServerConfig{Host: "localhost", Port: 0}, eng, logging.NewNop())
	require.NoError(t, err)
	return srv, eng
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitStatusResultRoundTrip(t *testing.T) {
	srv, eng := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/v1/tasks", `{"description":"fix it","priority":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.TaskID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Wait(ctx, submitted.TaskID))

	rec = doRequest(srv, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, string(task.StatusCommitted), status.Status)

	rec = doRequest(srv, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID+"/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result ResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Artifacts)
}

func TestSubmitRejectsEmptyDescription(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/api/v1/tasks", `{"description":""}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownTaskIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/v1/tasks/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultBeforeTerminalIs409(t *testing.T) {
	srv, eng := newTestServer(t)

	// Submit directly and query the result before waiting.
	id, err := eng.Submit(context.Background(), "long running", 1)
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodGet, "/api/v1/tasks/"+id+"/result", "")
	if rec.Code != http.StatusConflict {
		// The driver may already have finished on a fast machine.
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, eng := newTestServer(t)

	id, err := eng.Submit(context.Background(), "to be cancelled", 1)
	require.NoError(t, err)

	rec := doRequest(srv, http.MethodDelete, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListEndpoint(t *testing.T) {
	srv, eng := newTestServer(t)

	id, err := eng.Submit(context.Background(), "list me", 1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Wait(ctx, id))

	rec := doRequest(srv, http.MethodGet, "/api/v1/tasks?status=committed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 1)
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}
