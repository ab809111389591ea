package knowledge

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

var sharedTracer = otel.Tracer("stagehand.knowledge.shared")

const (
	sharedCollection = "stagehand_shared"
	embeddingDim     = 128
)

// SharedConfig configures the durable shared store.
type SharedConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// SharedWriter is the shared-store write capability. It is constructed
// once by NewSharedStore and must be handed only to the commit gate;
// no other component type receives a reference. The write-invariant is
// enforced by this segregation, not by a runtime permission check.
type SharedWriter interface {
	// WriteShared stores the artifacts durably. Fails with
	// ErrNotValidated if any artifact lacks validated=true; on failure
	// nothing is written.
	WriteShared(ctx context.Context, artifacts []task.Artifact) error
}

// SharedStore is the read-only face of the durable knowledge store,
// backed by an embedded chromem-go database.
type SharedStore struct {
	db     *chromem.DB
	logger *logging.Logger
}

// NewSharedStore opens (or creates) the shared store and returns its
// read interface together with the single write capability.
func NewSharedStore(cfg SharedConfig, logger *logging.Logger) (*SharedStore, SharedWriter, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create shared store directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open shared store: %w", err)
	}

	store := &SharedStore{
		db:     db,
		logger: logger.Named("shared"),
	}

	// Touch the collection so reads before the first commit succeed.
	if _, err := store.collection(); err != nil {
		return nil, nil, err
	}

	return store, &sharedWriter{store: store}, nil
}

func (s *SharedStore) collection() (*chromem.Collection, error) {
	c, err := s.db.GetOrCreateCollection(sharedCollection, nil, localEmbedding())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", sharedCollection, err)
	}
	return c, nil
}

// Get retrieves a shared artifact by id.
func (s *SharedStore) Get(ctx context.Context, artifactID string) (task.Artifact, error) {
	ctx, span := sharedTracer.Start(ctx, "shared.get")
	defer span.End()
	span.SetAttributes(attribute.String("artifact_id", artifactID))

	c, err := s.collection()
	if err != nil {
		return task.Artifact{}, err
	}

	doc, err := c.GetByID(ctx, artifactID)
	if err != nil {
		return task.Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
	}

	return documentToArtifact(doc), nil
}

// Search performs similarity search over shared artifacts.
func (s *SharedStore) Search(ctx context.Context, query string, k int) ([]task.Artifact, error) {
	ctx, span := sharedTracer.Start(ctx, "shared.search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	c, err := s.collection()
	if err != nil {
		return nil, err
	}

	// chromem rejects k larger than the collection size.
	if count := c.Count(); k > count {
		if count == 0 {
			return nil, nil
		}
		k = count
	}

	results, err := c.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("shared search failed: %w", err)
	}

	arts := make([]task.Artifact, 0, len(results))
	for _, r := range results {
		arts = append(arts, resultToArtifact(r))
	}
	return arts, nil
}

// sharedWriter is the sole implementation of SharedWriter.
type sharedWriter struct {
	store *SharedStore
}

func (w *sharedWriter) WriteShared(ctx context.Context, artifacts []task.Artifact) error {
	ctx, span := sharedTracer.Start(ctx, "shared.write")
	defer span.End()
	span.SetAttributes(attribute.Int("artifact_count", len(artifacts)))

	if len(artifacts) == 0 {
		return nil
	}

	// Reject the whole batch before writing anything.
	for _, art := range artifacts {
		if !art.Validated {
			return fmt.Errorf("%w: artifact %s", ErrNotValidated, art.ID)
		}
	}

	c, err := w.store.collection()
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(artifacts))
	for i, art := range artifacts {
		docs[i] = chromem.Document{
			ID:       art.ID,
			Content:  art.Content,
			Metadata: artifactMetadata(art),
		}
	}

	if err := c.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("writing shared artifacts: %w", err)
	}

	w.store.logger.Debug(ctx, "wrote shared artifacts",
		zap.Int("count", len(artifacts)))
	return nil
}

var _ SharedWriter = (*sharedWriter)(nil)

func artifactMetadata(art task.Artifact) map[string]string {
	m := map[string]string{
		"task_id":    art.TaskID,
		"producer":   art.Producer,
		"validated":  strconv.FormatBool(art.Validated),
		"created_at": strconv.FormatInt(art.CreatedAt.Unix(), 10),
	}
	for k, v := range art.Annotations {
		m["note_"+k] = v
	}
	return m
}

func documentToArtifact(doc chromem.Document) task.Artifact {
	return metadataToArtifact(doc.ID, doc.Content, doc.Metadata)
}

func resultToArtifact(r chromem.Result) task.Artifact {
	return metadataToArtifact(r.ID, r.Content, r.Metadata)
}

func metadataToArtifact(id, content string, meta map[string]string) task.Artifact {
	art := task.Artifact{
		ID:      id,
		Content: content,
		Scope:   task.ScopeShared,
	}
	art.TaskID = meta["task_id"]
	art.Producer = meta["producer"]
	art.Validated, _ = strconv.ParseBool(meta["validated"])
	if ts, err := strconv.ParseInt(meta["created_at"], 10, 64); err == nil {
		art.CreatedAt = time.Unix(ts, 0)
	}
	for k, v := range meta {
		if strings.HasPrefix(k, "note_") {
			if art.Annotations == nil {
				art.Annotations = make(map[string]string)
			}
			art.Annotations[strings.TrimPrefix(k, "note_")] = v
		}
	}
	return art
}

// localEmbedding returns a deterministic bag-of-tokens embedding. It
// keeps the store fully embedded with no external embedding service;
// deployments that need semantic quality swap in a real embedder.
func localEmbedding() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vec := make([]float32, embeddingDim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%embeddingDim]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for i := range vec {
				vec[i] *= scale
			}
		}
		return vec, nil
	}
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return filepath.Clean(path), nil
}
