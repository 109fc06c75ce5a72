package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/covenant/internal/idgen"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows   map[uint64]*Escrow
	approvals map[approvalKey]*Approval
	seq       idgen.Sequence
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[uint64]*Escrow),
		approvals: make(map[approvalKey]*Approval),
	}
}

func (m *MemoryStore) Create(_ context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow.ID = m.seq.Next()
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return escrow.Clone(), nil
}

// Update replaces the stored record. ApprovalCount is owned by AddApproval
// and is not overwritten.
func (m *MemoryStore) Update(_ context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	next := escrow.Clone()
	next.ApprovalCount = cur.ApprovalCount
	m.escrows[escrow.ID] = next
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, addr string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Depositor == addr || e.Beneficiary == addr || e.Arbitrator == addr || e.IsSigner(addr) {
			result = append(result, e.Clone())
		}
	}
	// newest first
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AddApproval(_ context.Context, a *Approval) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[a.EscrowID]
	if !ok {
		return 0, ErrEscrowNotFound
	}
	key := approvalKey{a.EscrowID, a.Signer}
	if _, dup := m.approvals[key]; dup {
		return 0, ErrAlreadyApproved
	}
	cp := *a
	m.approvals[key] = &cp
	e.ApprovalCount++
	e.UpdatedAt = a.ApprovedAt
	return e.ApprovalCount, nil
}

func (m *MemoryStore) HasApproval(_ context.Context, escrowID uint64, signer string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.approvals[approvalKey{escrowID, signer}]
	return ok, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, escrowID uint64) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Approval
	for k, a := range m.approvals {
		if k.escrowID == escrowID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ApprovedAt.Equal(out[j].ApprovedAt) {
			return out[i].Signer < out[j].Signer
		}
		return out[i].ApprovedAt.Before(out[j].ApprovedAt)
	})
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
