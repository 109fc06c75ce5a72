package arbitration

import (
	"context"
	"sync"
)

// -----------------------------------------------------------------------------
// Store Interface
// -----------------------------------------------------------------------------

// Store persists arbitrator profiles. List returns profiles in registration
// order, which Pick depends on.
type Store interface {
	Create(ctx context.Context, p *Profile) error
	Get(ctx context.Context, address string) (*Profile, error)
	// Modify applies fn to the stored profile atomically and returns the
	// result. fn's error aborts the write.
	Modify(ctx context.Context, address string, fn func(*Profile) error) (*Profile, error)
	List(ctx context.Context, activeOnly bool, limit int) ([]*Profile, error)
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile // address -> profile
	order    []string            // registration order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Create(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.profiles[p.Address]; exists {
		return ErrAlreadyRegistered
	}
	cp := *p
	m.profiles[p.Address] = &cp
	m.order = append(m.order, p.Address)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, address string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[address]
	if !ok {
		return nil, ErrArbitratorNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Modify(_ context.Context, address string, fn func(*Profile) error) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[address]
	if !ok {
		return nil, ErrArbitratorNotFound
	}
	next := *p
	if err := fn(&next); err != nil {
		return nil, err
	}
	m.profiles[address] = &next
	out := next
	return &out, nil
}

func (m *MemoryStore) List(_ context.Context, activeOnly bool, limit int) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Profile
	for _, addr := range m.order {
		p := m.profiles[addr]
		if activeOnly && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
