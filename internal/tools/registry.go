// Package tools holds the capability registry. Stage handlers execute
// work through named capabilities rather than direct side effects, so
// a missing capability is a typed failure instead of a nil panic.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/logging"
)

// ErrCapabilityNotRegistered is returned when a stage invokes a
// capability no one registered.
var ErrCapabilityNotRegistered = fmt.Errorf("capability not registered")

// Capability executes one named unit of work.
type Capability interface {
	// Name identifies the capability in the registry.
	Name() string

	// Invoke runs the capability with a JSON payload and returns a
	// JSON result.
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc struct {
	CapName string
	Fn      func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (c CapabilityFunc) Name() string { return c.CapName }

func (c CapabilityFunc) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return c.Fn(ctx, input)
}

// Registry maps capability names to implementations. Registration
// happens at wiring time; invocation is concurrent.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]Capability
	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		caps:   make(map[string]Capability),
		logger: logger.Named("tools"),
	}
}

// Register adds a capability. Re-registering a name replaces the
// previous implementation.
func (r *Registry) Register(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[cap.Name()]; exists {
		r.logger.Warn(context.Background(), "capability replaced",
			zap.String("capability", cap.Name()))
	}
	r.caps[cap.Name()] = cap
}

// Invoke runs a named capability. An unknown name returns
// ErrCapabilityNotRegistered wrapped with the name.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	cap, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrCapabilityNotRegistered)
	}

	out, err := cap.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("capability %q: %w", name, err)
	}
	return out, nil
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
