package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/covenant/internal/escrow"
	"github.com/mbd888/covenant/internal/metrics"
)

// stallScanLimit bounds the pending escrows inspected per sweep.
const stallScanLimit = 1000

// PendingEscrows is the slice of the escrow service the monitor needs.
type PendingEscrows interface {
	ListPending(ctx context.Context, limit int) ([]*escrow.Escrow, error)
	EmitStalled(ctx context.Context, e *escrow.Escrow)
	Now() time.Time
}

// StallMonitor periodically flags stalled escrows. It reports each one
// once and never disputes or refunds anything.
type StallMonitor struct {
	registry *Registry
	escrows  PendingEscrows
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu       sync.Mutex
	reported map[uint64]bool
}

// NewStallMonitor creates a monitor sweeping every interval.
func NewStallMonitor(registry *Registry, escrows PendingEscrows, interval time.Duration, logger *slog.Logger) *StallMonitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &StallMonitor{
		registry: registry,
		escrows:  escrows,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		reported: make(map[uint64]bool),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *StallMonitor) Running() bool {
	return m.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (m *StallMonitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

// Stop signals the monitor to stop. Safe to call more than once.
func (m *StallMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *StallMonitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in stall monitor", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := m.Sweep(ctx); err != nil {
		m.logger.Warn("stall sweep failed", "error", err)
	}
}

// Sweep evaluates every pending escrow and returns the ids currently
// stalled. Each escrow's event is emitted the first time it is seen stalled.
func (m *StallMonitor) Sweep(ctx context.Context) ([]uint64, error) {
	pending, err := m.escrows.ListPending(ctx, stallScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending escrows: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.escrows.Now()
	var stalled []uint64
	seen := make(map[uint64]bool)
	for _, e := range pending {
		if !m.registry.CheckStalledEscrow(e, now) {
			continue
		}
		stalled = append(stalled, e.ID)
		seen[e.ID] = true
		if m.reported[e.ID] {
			continue
		}
		m.logger.Warn("escrow stalled",
			"escrowId", e.ID,
			"depositor", e.Depositor,
			"arbitrator", e.Arbitrator,
			"age", now.Sub(e.CreatedAt).Round(time.Minute).String(),
		)
		m.escrows.EmitStalled(ctx, e)
	}
	m.reported = seen

	metrics.EscrowStalled.Set(float64(len(stalled)))
	return stalled, nil
}
