// Package commit implements the single write-point to the shared
// knowledge store. The Gate is the only component constructed with a
// SharedWriter; every other component sees the read-only store.
package commit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// ErrCommitRejected is returned when a commit batch is refused, most
// commonly because an artifact reached the gate unvalidated.
var ErrCommitRejected = errors.New("commit rejected")

// Gate promotes validated artifacts into the shared store. Commits for
// one task are serialized; different tasks commit concurrently.
type Gate struct {
	writer knowledge.SharedWriter
	audit  *knowledge.AuditLog
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGate creates the commit gate. The writer must be the single
// SharedWriter returned by knowledge.NewSharedStore.
func NewGate(writer knowledge.SharedWriter, audit *knowledge.AuditLog, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{
		writer: writer,
		audit:  audit,
		logger: logger.Named("commit"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (g *Gate) taskLock(taskID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[taskID] = l
	}
	return l
}

// Commit promotes the task's validated artifacts to shared scope and
// writes them durably. The whole batch is rejected if any artifact is
// unvalidated. Returns the committed artifacts.
func (g *Gate) Commit(ctx context.Context, state *task.State) ([]task.Artifact, error) {
	l := g.taskLock(state.ID)
	l.Lock()
	defer l.Unlock()

	if len(state.Artifacts) == 0 {
		return nil, fmt.Errorf("%w: task %s has no artifacts", ErrCommitRejected, state.ID)
	}

	batch := make([]task.Artifact, 0, len(state.Artifacts))
	for _, art := range state.Artifacts {
		if !art.Validated {
			return nil, fmt.Errorf("%w: artifact %s not validated", ErrCommitRejected, art.ID)
		}
		art.Scope = task.ScopeShared
		batch = append(batch, art)
	}

	if err := g.writer.WriteShared(ctx, batch); err != nil {
		if errors.Is(err, knowledge.ErrNotValidated) {
			return nil, fmt.Errorf("%w: %v", ErrCommitRejected, err)
		}
		return nil, fmt.Errorf("shared write: %w", err)
	}

	for i := range state.Artifacts {
		state.Artifacts[i].Scope = task.ScopeShared
	}

	g.logger.Info(ctx, "artifacts committed",
		zap.String("task_id", state.ID),
		zap.Int("count", len(batch)))
	g.record(ctx, state, len(batch))
	return batch, nil
}

func (g *Gate) record(ctx context.Context, state *task.State, count int) {
	if g.audit == nil {
		return
	}
	_ = g.audit.Append(ctx, knowledge.AuditEvent{
		TaskID:    state.ID,
		Type:      knowledge.AuditCommit,
		Stage:     string(task.StageCommit),
		Component: "commit",
		Detail: map[string]string{
			"artifacts": strconv.Itoa(count),
			"replans":   strconv.Itoa(state.Replans),
		},
	})
}

// Forget drops the per-task lock after the task terminates.
func (g *Gate) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locks, taskID)
}
