package escrow

import (
	"context"
	"time"
)

// Approval records that a signer approved release of an escrow. At most
// one exists per (EscrowID, Signer); it is never removed.
type Approval struct {
	EscrowID   uint64    `json:"escrowId"`
	Signer     string    `json:"signer"`
	ApprovedAt time.Time `json:"approvedAt"`
}

type approvalKey struct {
	escrowID uint64
	signer   string
}

// ApprovalStore tracks approvals.
//
// AddApproval must insert the record and increment the escrow's
// ApprovalCount in one atomic step, returning the new count, or fail with
// ErrAlreadyApproved and change nothing.
type ApprovalStore interface {
	AddApproval(ctx context.Context, a *Approval) (int, error)
	HasApproval(ctx context.Context, escrowID uint64, signer string) (bool, error)
	ListApprovals(ctx context.Context, escrowID uint64) ([]*Approval, error)
}
