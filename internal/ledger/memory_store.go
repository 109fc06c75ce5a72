package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/covenant/internal/idgen"
)

type balanceKey struct {
	address string
	token   string
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[balanceKey]*Balance
	entries  []*Entry
	seq      idgen.Sequence
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*Balance),
	}
}

func (m *MemoryStore) Credit(_ context.Context, address, token string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	bal := m.balanceLocked(address, token)
	bal.Available = bal.Available.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = now
	m.appendLocked(address, token, EntryDeposit, amount, "", reference, now)
	return nil
}

func (m *MemoryStore) Transfer(_ context.Context, from, to, token string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.balances[balanceKey{from, token}]
	if !ok || src.Available.LessThan(amount) {
		return ErrInsufficientBalance
	}

	now := time.Now()
	src.Available = src.Available.Sub(amount)
	src.TotalOut = src.TotalOut.Add(amount)
	src.UpdatedAt = now

	dst := m.balanceLocked(to, token)
	dst.Available = dst.Available.Add(amount)
	dst.TotalIn = dst.TotalIn.Add(amount)
	dst.UpdatedAt = now

	m.appendLocked(from, token, EntryDebit, amount, to, reference, now)
	m.appendLocked(to, token, EntryCredit, amount, from, reference, now)
	return nil
}

func (m *MemoryStore) GetBalance(_ context.Context, address, token string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balanceKey{address, token}]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Address: address, Token: token, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) ListBalances(_ context.Context, address string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for k, bal := range m.balances {
		if k.address == address {
			cp := *bal
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *MemoryStore) GetHistory(_ context.Context, address string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.entries[i]; e.Address == address {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) balanceLocked(address, token string) *Balance {
	k := balanceKey{address, token}
	bal, ok := m.balances[k]
	if !ok {
		bal = &Balance{Address: address, Token: token}
		m.balances[k] = bal
	}
	return bal
}

func (m *MemoryStore) appendLocked(address, token, typ string, amount decimal.Decimal, counterparty, reference string, at time.Time) {
	m.entries = append(m.entries, &Entry{
		ID:           m.seq.Next(),
		Address:      address,
		Token:        token,
		Type:         typ,
		Amount:       amount,
		Counterparty: counterparty,
		Reference:    reference,
		CreatedAt:    at,
	})
}

var _ Store = (*MemoryStore)(nil)
