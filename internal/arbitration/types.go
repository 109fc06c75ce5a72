// Package arbitration keeps the registry of arbitrators that resolve
// disputed escrows: their activity flag, reputation score and resolution
// count. It also supplies first-fit arbitrator selection to the escrow
// service and the advisory stall check over pending escrows.
package arbitration

import (
	"time"

	"github.com/mbd888/covenant/internal/apperr"
)

var (
	ErrArbitratorNotFound = apperr.New(apperr.KindNotFound, "arbitrator not found")
	ErrAlreadyRegistered  = apperr.New(apperr.KindStateConflict, "arbitrator already registered")
	ErrNoActiveArbitrator = apperr.New(apperr.KindStateConflict, "no active arbitrator registered")
	ErrInvalidAddress     = apperr.New(apperr.KindValidation, "arbitrator address is required")
)

// Reputation bounds and step sizes.
const (
	DefaultReputation = 500
	MaxReputation     = 1000
	MinReputation     = 0
	SuccessReward     = 10
	FailurePenalty    = 20
)

// DefaultStallAfter is how long a pending escrow may sit without a single
// approval before it is flagged as stalled.
const DefaultStallAfter = 7 * 24 * time.Hour

// Profile is an arbitrator's standing.
type Profile struct {
	Address         string    `json:"address"`
	ReputationScore int       `json:"reputationScore"`
	TotalResolved   int64     `json:"totalResolved"`
	IsActive        bool      `json:"isActive"`
	RegisteredAt    time.Time `json:"registeredAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// applyOutcome moves the score by one resolution and counts it.
func (p *Profile) applyOutcome(success bool) {
	if success {
		p.ReputationScore = min(p.ReputationScore+SuccessReward, MaxReputation)
	} else {
		p.ReputationScore = max(p.ReputationScore-FailurePenalty, MinReputation)
	}
	p.TotalResolved++
}
