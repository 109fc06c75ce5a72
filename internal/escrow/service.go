package escrow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/authz"
	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/idgen"
	"github.com/mbd888/covenant/internal/logging"
	"github.com/mbd888/covenant/internal/metrics"
	"github.com/mbd888/covenant/internal/retry"
	"github.com/mbd888/covenant/internal/traces"
)

// Create validates the request, moves the amount into custody and stores
// a pending escrow. The caller must be the depositor.
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Caller(caller), traces.Amount(req.Amount.String()))
	defer func() { s.observe(span, "create", err) }()

	e, err := s.prepare(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Transfer(ctx, e.Depositor, s.custody, e.Token, e.Amount, e.Reference); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Best-effort refund if store fails
		if rerr := s.ledger.Transfer(context.WithoutCancel(ctx), s.custody, e.Depositor, e.Token, e.Amount, e.Reference); rerr != nil {
			metrics.EscrowManualResolution.Inc()
			logging.L(ctx).Error("CRITICAL: escrow funds locked but record not created and refund failed",
				"reference", e.Reference, "depositor", e.Depositor, "amount", e.Amount.String(), "error", rerr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.emit(ctx, events.EscrowCreated, e, caller, "")
	return e.Clone(), nil
}

// prepare runs every creation check without side effects.
func (s *Service) prepare(ctx context.Context, caller string, req CreateRequest) (*Escrow, error) {
	depositor := authz.Normalize(req.Depositor)
	beneficiary := authz.Normalize(req.Beneficiary)
	token := strings.TrimSpace(req.Token)

	if err := authz.Require(caller, depositor); err != nil {
		return nil, err
	}
	if depositor == "" || beneficiary == "" || token == "" {
		return nil, ErrMissingField
	}
	if depositor == beneficiary {
		return nil, ErrSameParty
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	signers, err := normalizeSigners(req.Signers)
	if err != nil {
		return nil, err
	}
	if req.Threshold < 1 || req.Threshold > len(signers) {
		return nil, ErrInvalidThreshold
	}

	now := s.clock.Now()
	if req.RefundTime != nil && !req.RefundTime.After(now) {
		return nil, ErrRefundTimeInPast
	}
	if req.RefundTime != nil && req.ReleaseTime != nil && req.RefundTime.Before(*req.ReleaseTime) {
		return nil, ErrRefundBeforeRelease
	}

	arbitrator := authz.Normalize(req.Arbitrator)
	if arbitrator == "" {
		if s.picker == nil {
			return nil, ErrNoArbitrator
		}
		picked, err := s.picker.Pick(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoArbitrator, err)
		}
		arbitrator = authz.Normalize(picked)
	}

	return &Escrow{
		Reference:   idgen.WithPrefix("esc_"),
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Token:       token,
		Amount:      req.Amount,
		Signers:     signers,
		Threshold:   req.Threshold,
		ReleaseTime: utcPtr(req.ReleaseTime),
		RefundTime:  utcPtr(req.RefundTime),
		Arbitrator:  arbitrator,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func normalizeSigners(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, ErrNoSigners
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		addr := authz.Normalize(raw)
		if addr == "" {
			return nil, ErrEmptySigner
		}
		if seen[addr] {
			return nil, ErrDuplicateSigner
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}

// Approve records signer's approval and returns the new approval count.
// The caller must be the signer. A second approval by the same signer is
// rejected and leaves the count unchanged.
func (s *Service) Approve(ctx context.Context, id uint64, caller, signer string) (_ int, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Approve", traces.EscrowID(id), traces.Caller(caller))
	defer func() { s.observe(span, "approve", err) }()

	unlock, err := s.locks.LockEntity(ctx, "escrow", id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	signer = authz.Normalize(signer)
	if err := authz.Require(caller, signer); err != nil {
		return 0, err
	}
	if err := requirePending(e); err != nil {
		return 0, err
	}
	if !e.IsSigner(signer) {
		return 0, ErrNotSigner
	}
	approved, err := s.store.HasApproval(ctx, id, signer)
	if err != nil {
		return 0, err
	}
	if approved {
		return 0, ErrAlreadyApproved
	}

	count, err := s.store.AddApproval(ctx, &Approval{EscrowID: id, Signer: signer, ApprovedAt: s.clock.Now()})
	if err != nil {
		return 0, err
	}
	e.ApprovalCount = count

	metrics.EscrowApprovalsTotal.Inc()
	s.emit(ctx, events.EscrowApproved, e, signer, StatusPending)
	return count, nil
}

// Release pays the beneficiary once the threshold is met and any release
// time has passed. Depositor, beneficiary or any signer may call it.
func (s *Service) Release(ctx context.Context, id uint64, caller string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id), traces.Caller(caller))
	defer func() { s.observe(span, "release", err) }()

	return s.transition(ctx, id, func(e *Escrow) (*payout, error) {
		if err := authz.RequireAny(caller, []string{e.Depositor, e.Beneficiary}, e.Signers); err != nil {
			return nil, err
		}
		if err := requirePending(e); err != nil {
			return nil, err
		}
		if e.ApprovalCount < e.Threshold {
			return nil, ErrInsufficientApprovals
		}
		if e.ReleaseTime != nil && s.clock.Now().Before(*e.ReleaseTime) {
			return nil, ErrReleaseTimeNotReached
		}
		return &payout{to: e.Beneficiary, status: StatusReleased, event: events.EscrowReleased, actor: caller}, nil
	})
}

// Refund returns funds to the depositor once the refund time has passed.
func (s *Service) Refund(ctx context.Context, id uint64, caller string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id), traces.Caller(caller))
	defer func() { s.observe(span, "refund", err) }()

	return s.transition(ctx, id, func(e *Escrow) (*payout, error) {
		if err := authz.Require(caller, e.Depositor); err != nil {
			return nil, err
		}
		if err := requirePending(e); err != nil {
			return nil, err
		}
		if e.RefundTime == nil {
			return nil, ErrNoRefundTime
		}
		if s.clock.Now().Before(*e.RefundTime) {
			return nil, ErrRefundTimeNotReached
		}
		return &payout{to: e.Depositor, status: StatusRefunded, event: events.EscrowRefunded, actor: caller}, nil
	})
}

// Cancel returns funds to the depositor. Only possible while no signer
// has approved.
func (s *Service) Cancel(ctx context.Context, id uint64, caller string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id), traces.Caller(caller))
	defer func() { s.observe(span, "cancel", err) }()

	return s.transition(ctx, id, func(e *Escrow) (*payout, error) {
		if err := authz.Require(caller, e.Depositor); err != nil {
			return nil, err
		}
		if err := requirePending(e); err != nil {
			return nil, err
		}
		if e.ApprovalCount > 0 {
			return nil, ErrHasApprovals
		}
		return &payout{to: e.Depositor, status: StatusCancelled, event: events.EscrowCancelled, actor: caller}, nil
	})
}

// Dispute freezes a pending escrow for arbitration. Funds stay in custody.
// Depositor or beneficiary may call it regardless of approvals.
func (s *Service) Dispute(ctx context.Context, id uint64, caller string, reason []byte) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.EscrowID(id), traces.Caller(caller))
	defer func() { s.observe(span, "dispute", err) }()

	unlock, err := s.locks.LockEntity(ctx, "escrow", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.Require(caller, e.Depositor, e.Beneficiary); err != nil {
		return nil, err
	}
	if err := requirePending(e); err != nil {
		return nil, err
	}
	if len(reason) > MaxDisputeReason {
		return nil, ErrReasonTooLong
	}

	e.Status = StatusDisputed
	e.DisputeReason = append([]byte(nil), reason...)
	e.DisputedBy = authz.Normalize(caller)
	e.UpdatedAt = s.clock.Now()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.emit(ctx, events.EscrowDisputed, e, caller, StatusPending)
	return e.Clone(), nil
}

// Resolve executes the bound arbitrator's ruling on a disputed escrow.
func (s *Service) Resolve(ctx context.Context, id uint64, caller string, outcome Outcome) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.EscrowID(id), traces.Caller(caller))
	defer func() { s.observe(span, "resolve", err) }()

	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}

	e, err := s.transition(ctx, id, func(e *Escrow) (*payout, error) {
		if err := authz.Require(caller, e.Arbitrator); err != nil {
			return nil, err
		}
		switch e.Status {
		case StatusDisputed:
		case StatusReleased, StatusRefunded, StatusCancelled:
			return nil, ErrAlreadyResolved
		default:
			return nil, ErrNotDisputed
		}
		p := &payout{to: e.Depositor, status: StatusRefunded, outcome: outcome, event: events.EscrowResolved, actor: caller}
		if outcome == OutcomeReleaseToBeneficiary {
			p.to, p.status = e.Beneficiary, StatusReleased
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	if s.reputation != nil {
		if rerr := s.reputation.UpdateReputation(ctx, e.Arbitrator, true); rerr != nil {
			logging.L(ctx).Warn("failed to record arbitrator reputation", "escrowId", id, "arbitrator", e.Arbitrator, "error", rerr)
		}
	}
	return e, nil
}

// payout describes the terminal transfer a transition performs.
type payout struct {
	to      string
	status  Status
	outcome Outcome
	event   events.Type
	actor   string
}

// transition runs check under the escrow lock and, if it allows, moves the
// funds out of custody and persists the terminal status. The transfer
// happens first; a failed state write after it is retried and then
// reported for manual resolution, never compensated.
func (s *Service) transition(ctx context.Context, id uint64, check func(e *Escrow) (*payout, error)) (*Escrow, error) {
	unlock, err := s.locks.LockEntity(ctx, "escrow", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := check(e)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Transfer(ctx, s.custody, p.to, e.Token, e.Amount, e.Reference); err != nil {
		return nil, fmt.Errorf("failed to transfer escrow funds: %w", err)
	}

	old := e.Status
	now := s.clock.Now()
	e.Status = p.status
	e.Resolution = p.outcome
	e.ResolvedAt = &now
	e.UpdatedAt = now

	persistCtx := context.WithoutCancel(ctx)
	if err := retry.Do(persistCtx, retry.StorePolicy, func(ctx context.Context) error {
		return s.store.Update(ctx, e)
	}); err != nil {
		// CRITICAL: funds already left custody but the record is stale.
		metrics.EscrowManualResolution.Inc()
		logging.L(ctx).Error("CRITICAL: escrow funds transferred but status update failed",
			"escrowId", e.ID, "to", p.to, "amount", e.Amount.String(), "status", p.status, "error", err)
		return nil, fmt.Errorf("failed to update escrow after fund transfer (requires manual resolution): %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(p.status)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	s.emit(ctx, p.event, e, p.actor, old)
	return e.Clone(), nil
}

func requirePending(e *Escrow) error {
	switch e.Status {
	case StatusPending:
		return nil
	case StatusReleased, StatusRefunded, StatusCancelled:
		return ErrAlreadyResolved
	case StatusDisputed:
		return ErrNotPending
	default:
		return ErrNotPending
	}
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows where addr is depositor, beneficiary,
// arbitrator or a signer.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByParty(ctx, authz.Normalize(addr), limit)
}

// ListPending returns pending escrows, oldest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Escrow, error) {
	return s.store.ListByStatus(ctx, StatusPending, limit)
}

// ListOpen returns pending and disputed escrows, the ones whose funds sit
// in custody. limit applies per status.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Escrow, error) {
	pending, err := s.store.ListByStatus(ctx, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	disputed, err := s.store.ListByStatus(ctx, StatusDisputed, limit)
	if err != nil {
		return nil, err
	}
	return append(pending, disputed...), nil
}

// Approvals returns the approval records of an escrow.
func (s *Service) Approvals(ctx context.Context, id uint64) ([]*Approval, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, id)
}

// EmitStalled publishes the advisory stall signal for an escrow.
func (s *Service) EmitStalled(ctx context.Context, e *Escrow) {
	s.emit(ctx, events.EscrowStalled, e, "", e.Status)
}

func (s *Service) emit(ctx context.Context, typ events.Type, e *Escrow, actor string, old Status) {
	s.emitter.Emit(ctx, events.Event{
		Type:       typ,
		EntityKind: events.KindEscrow,
		EntityID:   strconv.FormatUint(e.ID, 10),
		Actor:      authz.Normalize(actor),
		OldStatus:  string(old),
		NewStatus:  string(e.Status),
		Amount:     e.Amount.String(),
		Token:      e.Token,
		Parties:    e.Parties(),
		Timestamp:  s.clock.Now(),
	})
}

// observe closes the span and counts rejected calls by error kind.
func (s *Service) observe(span trace.Span, op string, err error) {
	traces.End(span, err)
	if err != nil {
		metrics.EscrowRejectionsTotal.WithLabelValues(op, string(apperr.KindOf(err))).Inc()
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
