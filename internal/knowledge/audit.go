package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/logging"
)

// Audit event types.
const (
	AuditStageStarted   = "stage_started"
	AuditStageCompleted = "stage_completed"
	AuditReplan         = "replan"
	AuditPairIteration  = "pair_iteration"
	AuditConflict       = "conflict"
	AuditResolution     = "resolution"
	AuditCheckpoint     = "checkpoint"
	AuditCommit         = "commit"
	AuditTerminal       = "terminal"
)

// AuditEvent is one append-only audit record. Seq is assigned by the
// log and is strictly increasing per task (causal order); there is no
// ordering guarantee across tasks.
type AuditEvent struct {
	Seq       uint64            `json:"seq"`
	TaskID    string            `json:"task_id"`
	Type      string            `json:"type"`
	Stage     string            `json:"stage,omitempty"`
	Component string            `json:"component"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditLog is an append-only log accepting concurrent appends from any
// component. Events are written as JSON lines and, when a NATS
// connection is provided, published to tasks.{task_id}.audit.{type}.
//
// An empty path keeps the log purely in memory (used by tests and the
// disabled-persistence mode).
type AuditLog struct {
	logger *logging.Logger
	nc     *nats.Conn

	mu      sync.Mutex
	file    *os.File
	seq     map[string]uint64
	entries []AuditEvent // retained only when file == nil
}

// NewAuditLog opens the audit log. nc may be nil to disable streaming.
func NewAuditLog(path string, nc *nats.Conn, logger *logging.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	l := &AuditLog{
		logger: logger.Named("audit"),
		nc:     nc,
		seq:    make(map[string]uint64),
	}

	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(expanded), 0700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		f, err := os.OpenFile(expanded, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		l.file = f
	}

	return l, nil
}

// Append records one event. The per-task sequence number and timestamp
// are assigned here.
func (l *AuditLog) Append(ctx context.Context, ev AuditEvent) error {
	if ev.TaskID == "" {
		return fmt.Errorf("audit event has no task id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.seq[ev.TaskID]++
	ev.Seq = l.seq[ev.TaskID]

	var writeErr error
	if l.file != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			_, writeErr = l.file.Write(append(data, '\n'))
		} else {
			writeErr = err
		}
	} else {
		l.entries = append(l.entries, ev)
	}
	l.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("audit append failed: %w", writeErr)
	}

	if l.nc != nil {
		subject := fmt.Sprintf("tasks.%s.audit.%s", ev.TaskID, ev.Type)
		if data, err := json.Marshal(ev); err == nil {
			if err := l.nc.Publish(subject, data); err != nil {
				// Streaming is best-effort; the durable record already
				// landed.
				l.logger.Warn(ctx, "audit publish failed",
					zap.String("subject", subject), zap.Error(err))
			}
		}
	}

	return nil
}

// TaskEvents returns the in-memory events for a task, in append order.
// Only populated when the log runs without a backing file.
func (l *AuditLog) TaskEvents(taskID string) []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []AuditEvent
	for _, ev := range l.entries {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// Close syncs and closes the backing file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
