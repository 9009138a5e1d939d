package declarative

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by SpecStore implementations for unknown IDs.
var ErrNotFound = errors.New("agent spec not found")

// SpecStore is a read-only lookup of partial specs by identifier.
// Implementations must return ErrNotFound (possibly wrapped) for unknown IDs
// and must not hand out specs the caller could mutate in place.
type SpecStore interface {
	Get(ctx context.Context, id string) (*PartialSpec, error)
}

// SpecStoreFunc adapts a function to SpecStore.
type SpecStoreFunc func(ctx context.Context, id string) (*PartialSpec, error)

// Get implements SpecStore.
func (f SpecStoreFunc) Get(ctx context.Context, id string) (*PartialSpec, error) {
	return f(ctx, id)
}

// MemoryStore is an in-memory SpecStore.
// Suitable for tests and for specs assembled in code.
type MemoryStore struct {
	mu    sync.RWMutex
	specs map[string]*PartialSpec
}

// NewMemoryStore creates a store pre-populated with specs.
func NewMemoryStore(specs ...*PartialSpec) (*MemoryStore, error) {
	s := &MemoryStore{specs: make(map[string]*PartialSpec, len(specs))}
	for _, spec := range specs {
		if err := s.Put(spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a spec.
func (s *MemoryStore) Put(spec *PartialSpec) error {
	if err := ValidatePartial(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.ID] = spec.Clone()
	return nil
}

// Get implements SpecStore.
func (s *MemoryStore) Get(ctx context.Context, id string) (*PartialSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return spec.Clone(), nil
}

// IDs returns the stored spec IDs in sorted order.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.specs))
	for id := range s.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored specs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.specs)
}
