package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-pdti/pkg/domain"
)

// Factory builds the orchestrator variant bound to a directory standard.
type Factory func(cfg Config) (*Orchestrator, error)

// StandardRegistry maps directory standards to orchestrator factories. It is
// populated during composition and resolved once per configured directory.
type StandardRegistry struct {
	mu        sync.RWMutex
	factories map[domain.DirectoryStandard]Factory
}

// NewStandardRegistry returns a registry with the built-in standards registered.
func NewStandardRegistry() *StandardRegistry {
	r := &StandardRegistry{factories: make(map[domain.DirectoryStandard]Factory)}
	r.Register(domain.StandardIHE, New)
	r.Register(domain.StandardHPDPlus, New)
	return r
}

// Register binds factory to standard, replacing any previous binding.
func (r *StandardRegistry) Register(standard domain.DirectoryStandard, factory Factory) {
	if factory == nil {
		return
	}
	key := domain.DirectoryStandard(strings.ToLower(strings.TrimSpace(string(standard))))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Standards lists the registered standards in sorted order.
func (r *StandardRegistry) Standards() []domain.DirectoryStandard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DirectoryStandard, 0, len(r.factories))
	for std := range r.factories {
		out = append(out, std)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build resolves the factory for cfg.Descriptor.Standard and constructs the
// orchestrator. An empty standard selects IHE.
func (r *StandardRegistry) Build(cfg Config) (*Orchestrator, error) {
	standard := domain.DirectoryStandard(strings.ToLower(strings.TrimSpace(string(cfg.Descriptor.Standard))))
	if standard == "" {
		standard = domain.StandardIHE
	}
	cfg.Descriptor.Standard = standard

	r.mu.RLock()
	factory, ok := r.factories[standard]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownStandard, standard)
	}

	orch, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s orchestrator for directory %q: %w", standard, cfg.Descriptor.DirectoryID, err)
	}
	return orch, nil
}
