package arbitration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/covenant/internal/authz"
	"github.com/mbd888/covenant/internal/clock"
	"github.com/mbd888/covenant/internal/escrow"
	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/logging"
)

// Registry manages arbitrator profiles.
type Registry struct {
	store      Store
	emitter    *events.Emitter
	clock      clock.Clock
	stallAfter time.Duration
	logger     *slog.Logger
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:      store,
		clock:      clock.System{},
		stallAfter: DefaultStallAfter,
		logger:     slog.Default(),
	}
}

// WithEmitter adds an audit event emitter.
func (r *Registry) WithEmitter(e *events.Emitter) *Registry {
	r.emitter = e
	return r
}

// WithClock replaces the time source.
func (r *Registry) WithClock(c clock.Clock) *Registry {
	r.clock = c
	return r
}

// WithStallAfter overrides DefaultStallAfter. Non-positive values are ignored.
func (r *Registry) WithStallAfter(d time.Duration) *Registry {
	if d > 0 {
		r.stallAfter = d
	}
	return r
}

// WithLogger sets the registry logger.
func (r *Registry) WithLogger(l *slog.Logger) *Registry {
	r.logger = l
	return r
}

// Register adds the caller as an active arbitrator at the default
// reputation. Only Address is read from p.
func (r *Registry) Register(ctx context.Context, caller string, p Profile) (*Profile, error) {
	addr := authz.Normalize(p.Address)
	if addr == "" {
		return nil, ErrInvalidAddress
	}
	if err := authz.Require(caller, addr); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	prof := &Profile{
		Address:         addr,
		ReputationScore: DefaultReputation,
		IsActive:        true,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}
	if err := r.store.Create(ctx, prof); err != nil {
		return nil, err
	}

	r.emit(ctx, events.ArbitratorRegistered, prof, caller)
	return prof, nil
}

// Update changes the caller's activity flag. Score and resolution count
// are owned by UpdateReputation.
func (r *Registry) Update(ctx context.Context, caller string, p Profile) (*Profile, error) {
	addr := authz.Normalize(p.Address)
	if addr == "" {
		return nil, ErrInvalidAddress
	}
	if err := authz.Require(caller, addr); err != nil {
		return nil, err
	}

	prof, err := r.store.Modify(ctx, addr, func(cur *Profile) error {
		cur.IsActive = p.IsActive
		cur.UpdatedAt = r.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.emit(ctx, events.ArbitratorUpdated, prof, caller)
	return prof, nil
}

// Get returns one profile.
func (r *Registry) Get(ctx context.Context, address string) (*Profile, error) {
	return r.store.Get(ctx, authz.Normalize(address))
}

// List returns profiles in registration order.
func (r *Registry) List(ctx context.Context, activeOnly bool, limit int) ([]*Profile, error) {
	return r.store.List(ctx, activeOnly, limit)
}

// Pick returns the first active arbitrator in registration order.
// Reputation does not influence the choice.
func (r *Registry) Pick(ctx context.Context) (string, error) {
	active, err := r.store.List(ctx, true, 1)
	if err != nil {
		return "", err
	}
	if len(active) == 0 {
		return "", ErrNoActiveArbitrator
	}
	return active[0].Address, nil
}

// UpdateReputation records one resolution for address. Unknown addresses
// are ignored.
func (r *Registry) UpdateReputation(ctx context.Context, address string, success bool) error {
	addr := authz.Normalize(address)
	prof, err := r.store.Modify(ctx, addr, func(p *Profile) error {
		p.applyOutcome(success)
		p.UpdatedAt = r.clock.Now()
		return nil
	})
	if errors.Is(err, ErrArbitratorNotFound) {
		logging.L(ctx).Debug("reputation update for unregistered arbitrator ignored", "arbitrator", addr)
		return nil
	}
	if err != nil {
		return err
	}

	logging.L(ctx).Info("arbitrator reputation updated",
		"arbitrator", addr, "success", success, "score", prof.ReputationScore, "totalResolved", prof.TotalResolved)
	return nil
}

// CheckStalledEscrow reports whether e is pending, unapproved and older
// than the stall window at now. It never changes e.
func (r *Registry) CheckStalledEscrow(e *escrow.Escrow, now time.Time) bool {
	if e == nil || e.Status != escrow.StatusPending || e.ApprovalCount != 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(r.stallAfter))
}

func (r *Registry) emit(ctx context.Context, typ events.Type, p *Profile, actor string) {
	status := "inactive"
	if p.IsActive {
		status = "active"
	}
	r.emitter.Emit(ctx, events.Event{
		Type:       typ,
		EntityKind: events.KindArbitrator,
		EntityID:   p.Address,
		Actor:      authz.Normalize(actor),
		NewStatus:  status,
		Parties:    []string{p.Address},
		Timestamp:  r.clock.Now(),
	})
}

var (
	_ escrow.ArbitratorPicker   = (*Registry)(nil)
	_ escrow.ReputationRecorder = (*Registry)(nil)
)
