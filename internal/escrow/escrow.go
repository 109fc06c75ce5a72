// Package escrow holds deposited value under a signer-threshold and
// time-lock policy, with disputes resolved by a bound arbitrator.
//
// Flow:
//  1. Depositor creates an escrow → funds moved: depositor → custody
//  2. Signers approve; once the threshold is met (and any release time has
//     passed) a party releases → funds moved: custody → beneficiary
//  3. After the refund time the depositor may refund → custody → depositor
//  4. Before any approval the depositor may cancel → custody → depositor
//  5. Either party may dispute; the arbitrator resolves to one of the two
//     payouts above
package escrow

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/authz"
	"github.com/mbd888/covenant/internal/clock"
	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/syncutil"
)

var (
	ErrEscrowNotFound = apperr.New(apperr.KindNotFound, "escrow not found")
	ErrUnauthorized   = authz.ErrForbidden
	ErrNotSigner      = apperr.New(apperr.KindAuthorization, "signer is not a member of this escrow")

	ErrMissingField        = apperr.New(apperr.KindValidation, "depositor, beneficiary and token are required")
	ErrSameParty           = apperr.New(apperr.KindValidation, "depositor and beneficiary must differ")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "amount must be greater than zero")
	ErrNoSigners           = apperr.New(apperr.KindValidation, "at least one signer is required")
	ErrEmptySigner         = apperr.New(apperr.KindValidation, "signer address must not be empty")
	ErrDuplicateSigner     = apperr.New(apperr.KindValidation, "signers must be distinct")
	ErrInvalidThreshold    = apperr.New(apperr.KindValidation, "threshold must be between 1 and the number of signers")
	ErrRefundTimeInPast    = apperr.New(apperr.KindValidation, "refund time must be in the future")
	ErrRefundBeforeRelease = apperr.New(apperr.KindValidation, "refund time must not precede release time")
	ErrNoArbitrator        = apperr.New(apperr.KindValidation, "no arbitrator named and none available")
	ErrInvalidOutcome      = apperr.New(apperr.KindValidation, "outcome must be release_to_beneficiary or refund_to_depositor")
	ErrReasonTooLong       = apperr.New(apperr.KindValidation, "dispute reason is too long")

	ErrNotPending      = apperr.New(apperr.KindStateConflict, "escrow is not pending")
	ErrNotDisputed     = apperr.New(apperr.KindStateConflict, "escrow is not disputed")
	ErrAlreadyResolved = apperr.New(apperr.KindStateConflict, "escrow already resolved")
	ErrAlreadyApproved = apperr.New(apperr.KindStateConflict, "signer has already approved this escrow")
	ErrHasApprovals    = apperr.New(apperr.KindStateConflict, "escrow has approvals and can no longer be cancelled")
	ErrNoRefundTime    = apperr.New(apperr.KindStateConflict, "escrow has no refund time")

	ErrInsufficientApprovals = apperr.New(apperr.KindNotYetMet, "approval threshold not reached")
	ErrReleaseTimeNotReached = apperr.New(apperr.KindNotYetMet, "release time not reached")
	ErrRefundTimeNotReached  = apperr.New(apperr.KindNotYetMet, "refund time not reached")
)

// MaxDisputeReason caps the stored dispute reason.
const MaxDisputeReason = 4096

// DefaultCustodyAccount is the ledger account holding escrowed funds.
const DefaultCustodyAccount = "escrow"

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Funds locked, collecting approvals
	StatusDisputed  Status = "disputed"  // Awaiting the arbitrator
	StatusReleased  Status = "released"  // Paid to beneficiary
	StatusRefunded  Status = "refunded"  // Returned to depositor
	StatusCancelled Status = "cancelled" // Withdrawn by depositor before any approval
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDisputed, StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for statuses no operation can leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	case StatusPending, StatusDisputed:
		return false
	}
	return false
}

// Outcome is an arbitrator's ruling.
type Outcome string

const (
	OutcomeReleaseToBeneficiary Outcome = "release_to_beneficiary"
	OutcomeRefundToDepositor    Outcome = "refund_to_depositor"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeReleaseToBeneficiary || o == OutcomeRefundToDepositor
}

// Escrow is a held value bound to a release/refund/dispute policy.
type Escrow struct {
	ID            uint64          `json:"id"`
	Reference     string          `json:"reference"`
	Depositor     string          `json:"depositor"`
	Beneficiary   string          `json:"beneficiary"`
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	Signers       []string        `json:"signers"`
	Threshold     int             `json:"threshold"`
	ApprovalCount int             `json:"approvalCount"`
	ReleaseTime   *time.Time      `json:"releaseTime,omitempty"`
	RefundTime    *time.Time      `json:"refundTime,omitempty"`
	Arbitrator    string          `json:"arbitrator"`
	Status        Status          `json:"status"`
	DisputeReason hexutil.Bytes   `json:"disputeReason,omitempty"`
	DisputedBy    string          `json:"disputedBy,omitempty"`
	Resolution    Outcome         `json:"resolution,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// IsSigner reports whether addr is one of the escrow's signers.
func (e *Escrow) IsSigner(addr string) bool {
	return authz.Require(addr, e.Signers...) == nil
}

// Parties returns depositor, beneficiary and arbitrator for event fan-out.
func (e *Escrow) Parties() []string {
	return []string{e.Depositor, e.Beneficiary, e.Arbitrator}
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.Signers = slices.Clone(e.Signers)
	cp.DisputeReason = slices.Clone(e.DisputeReason)
	cp.ReleaseTime = cloneTime(e.ReleaseTime)
	cp.RefundTime = cloneTime(e.RefundTime)
	cp.ResolvedAt = cloneTime(e.ResolvedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store persists escrow data. Create assigns the next sequential ID.
type Store interface {
	ApprovalStore
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// Ledger abstracts custody transfers so escrow doesn't import ledger.
type Ledger interface {
	Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) error
}

// ArbitratorPicker selects an arbitrator when a request names none.
type ArbitratorPicker interface {
	Pick(ctx context.Context) (string, error)
}

// ReputationRecorder is told about every arbitrated resolution.
type ReputationRecorder interface {
	UpdateReputation(ctx context.Context, address string, success bool) error
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Depositor   string
	Beneficiary string
	Token       string
	Amount      decimal.Decimal
	Signers     []string
	Threshold   int
	ReleaseTime *time.Time
	RefundTime  *time.Time
	Arbitrator  string
}

// Service implements the escrow state machine.
type Service struct {
	store      Store
	ledger     Ledger
	picker     ArbitratorPicker
	reputation ReputationRecorder
	emitter    *events.Emitter
	clock      clock.Clock
	locks      *syncutil.ContextShardedMutex
	custody    string
	logger     *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, ledger Ledger) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		clock:   clock.System{},
		locks:   syncutil.NewContextShardedMutex(),
		custody: DefaultCustodyAccount,
		logger:  slog.Default(),
	}
}

// WithArbitration wires arbitrator auto-selection and reputation updates.
func (s *Service) WithArbitration(p ArbitratorPicker, r ReputationRecorder) *Service {
	s.picker = p
	s.reputation = r
	return s
}

// WithEmitter adds an audit event emitter.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithCustodyAccount overrides the ledger account that holds funds.
func (s *Service) WithCustodyAccount(addr string) *Service {
	s.custody = addr
	return s
}

// Now exposes the service clock so collaborators judge time the same way.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}
