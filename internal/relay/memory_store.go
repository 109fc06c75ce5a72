package relay

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/covenant/internal/idgen"
)

// MemoryStore is an in-memory packet store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	packets  map[uint64]*Packet
	receipts map[uint64]*Receipt
	seq      idgen.Sequence
}

// NewMemoryStore creates a new in-memory packet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packets:  make(map[uint64]*Packet),
		receipts: make(map[uint64]*Receipt),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.ID = m.seq.Next()
	p.Nonce = p.ID
	m.packets[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Packet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.packets[id]
	if !ok {
		return nil, ErrPacketNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, p *Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.packets[p.ID]; !ok {
		return ErrPacketNotFound
	}
	m.packets[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Deliver(_ context.Context, p *Packet, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.packets[p.ID]
	if !ok {
		return ErrPacketNotFound
	}
	if !cur.Status.InFlight() {
		return ErrInvalidStatus
	}
	if _, exists := m.receipts[p.ID]; exists {
		return ErrAlreadyCompleted
	}
	m.packets[p.ID] = p.Clone()
	rc := *r
	rc.Result = append(hexutil.Bytes(nil), r.Result...)
	m.receipts[p.ID] = &rc
	return nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, packetID uint64) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.receipts[packetID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	rc := *r
	rc.Result = append(hexutil.Bytes(nil), r.Result...)
	return &rc, nil
}

func (m *MemoryStore) List(_ context.Context, limit int, statuses ...Status) ([]*Packet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Packet
	for _, p := range m.packets {
		if len(statuses) > 0 && !slices.Contains(statuses, p.Status) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
