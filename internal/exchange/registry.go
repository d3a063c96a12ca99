package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Factory constructs a Capability for an exchange id.
type Factory func(id string) (Capability, error)

// Registry owns exchange instances. Adapters are registered by id and
// constructed lazily on first Get; every open instance is closed together on
// Close. One registry per facade keeps tests isolated.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	open      map[string]Capability
	closed    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		open:      make(map[string]Capability),
	}
}

// Register installs a factory for the given exchange id, replacing any
// previous registration.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// RegisterInstance installs an already-built capability, typically a fake in
// tests.
func (r *Registry) RegisterInstance(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[cap.ID()] = cap
}

// Get returns the capability for id, constructing it on first use.
func (r *Registry) Get(id string) (Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("exchange registry closed")
	}
	if cap, ok := r.open[id]; ok {
		return cap, nil
	}
	f, ok := r.factories[id]
	if !ok {
		return nil, NewError(ErrBadRequest, id, "get", fmt.Errorf("unknown exchange %q", id))
	}
	cap, err := f(id)
	if err != nil {
		return nil, fmt.Errorf("construct exchange %q: %w", id, err)
	}
	r.open[id] = cap
	log.Debug().Str("exchange", id).Msg("exchange instance created")
	return cap, nil
}

// IDs returns the ids of every registered or open exchange, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.factories)+len(r.open))
	for id := range r.factories {
		seen[id] = struct{}{}
	}
	for id := range r.open {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every open capability and rejects further Gets.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for id, cap := range r.open {
		if err := cap.Close(); err != nil {
			log.Warn().Str("exchange", id).Err(err).Msg("exchange close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.open = map[string]Capability{}
	return firstErr
}
