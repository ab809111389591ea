// Package knowledge provides the engine's knowledge stores: a per-task
// private store with TTL eviction, a durable shared store whose write
// capability is a distinct interface value (held only by the commit
// gate), and an append-only audit log.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// Sentinel errors for knowledge store operations.
var (
	// ErrNotValidated is returned by the shared writer when any
	// artifact in a batch lacks validated=true.
	ErrNotValidated = errors.New("artifact not validated")

	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
)

// PrivateStore holds per-task artifacts. Entries are mutated only by
// the task's own stages and pairs; they expire a configured TTL after
// the task is released.
type PrivateStore struct {
	ttl    time.Duration
	logger *logging.Logger

	mu       sync.RWMutex
	tasks    map[string]map[string]task.Artifact
	deadline map[string]time.Time

	stop chan struct{}
	once sync.Once
}

// NewPrivateStore creates a private store with a background janitor.
func NewPrivateStore(ttl time.Duration, logger *logging.Logger) *PrivateStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &PrivateStore{
		ttl:      ttl,
		logger:   logger.Named("private"),
		tasks:    make(map[string]map[string]task.Artifact),
		deadline: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put stores an artifact under its task id. Shared-scope artifacts are
// rejected: the private store never holds durable state.
func (s *PrivateStore) Put(ctx context.Context, art task.Artifact) error {
	if art.TaskID == "" {
		return errors.New("artifact has no task id")
	}
	if art.Scope == task.ScopeShared {
		return fmt.Errorf("shared artifact %s cannot enter the private store", art.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.tasks[art.TaskID]
	if !ok {
		m = make(map[string]task.Artifact)
		s.tasks[art.TaskID] = m
	}
	m[art.ID] = art
	return nil
}

// Get returns one artifact for the task.
func (s *PrivateStore) Get(ctx context.Context, taskID, artifactID string) (task.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.tasks[taskID]; ok {
		if art, ok := m[artifactID]; ok {
			return art, nil
		}
	}
	return task.Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, taskID, artifactID)
}

// List returns all artifacts for the task, oldest first.
func (s *PrivateStore) List(ctx context.Context, taskID string) []task.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.tasks[taskID]
	out := make([]task.Artifact, 0, len(m))
	for _, art := range m {
		out = append(out, art)
	}
	sortArtifacts(out)
	return out
}

// Release schedules eviction of the task's artifacts after the TTL.
// The task keeps read access until the janitor fires.
func (s *PrivateStore) Release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline[taskID] = time.Now().Add(s.ttl)
}

// Close stops the janitor.
func (s *PrivateStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *PrivateStore) janitor() {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.evict(now)
		}
	}
}

func (s *PrivateStore) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for taskID, dl := range s.deadline {
		if now.After(dl) {
			delete(s.tasks, taskID)
			delete(s.deadline, taskID)
			s.logger.Debug(context.Background(), "evicted private artifacts",
				zap.String("task_id", taskID))
		}
	}
}

func sortArtifacts(arts []task.Artifact) {
	for i := 1; i < len(arts); i++ {
		for j := i; j > 0 && arts[j].CreatedAt.Before(arts[j-1].CreatedAt); j-- {
			arts[j], arts[j-1] = arts[j-1], arts[j]
		}
	}
}
