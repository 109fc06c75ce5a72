// Package reconciliation compares the escrow custody balance against the
// escrows that should be holding it.
//
// For every token, the custody account's available balance must equal the
// sum of Amount over pending and disputed escrows. A difference means funds
// moved without the escrow record following (a state write that failed
// after its transfer, or a failed compensation on create) and needs an
// operator.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/covenant/internal/escrow"
	"github.com/mbd888/covenant/internal/ledger"
)

// openScanLimit bounds the escrows loaded per status in one run.
const openScanLimit = 10_000

// CustodyBalances returns every token balance held by an account.
type CustodyBalances interface {
	Balances(ctx context.Context, address string) ([]*ledger.Balance, error)
}

// OpenEscrows lists the escrows whose funds are in custody.
type OpenEscrows interface {
	ListOpen(ctx context.Context, limit int) ([]*escrow.Escrow, error)
	Now() time.Time
}

// TokenResult is the outcome for one token.
type TokenResult struct {
	Token          string          `json:"token"`
	CustodyBalance decimal.Decimal `json:"custodyBalance"`
	EscrowedTotal  decimal.Decimal `json:"escrowedTotal"`
	Diff           decimal.Decimal `json:"diff"`
	OpenEscrows    int             `json:"openEscrows"`
	Match          bool            `json:"match"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	CheckedAt  time.Time     `json:"checkedAt"`
	Tokens     []TokenResult `json:"tokens"`
	Mismatches int           `json:"mismatches"`
	Truncated  bool          `json:"truncated"`
}

// Service performs custody reconciliation.
type Service struct {
	ledger  CustodyBalances
	escrows OpenEscrows
	custody string
	logger  *slog.Logger
}

// NewService creates a reconciliation service for the custody account.
func NewService(l CustodyBalances, escrows OpenEscrows, custody string) *Service {
	return &Service{ledger: l, escrows: escrows, custody: custody, logger: slog.Default()}
}

// WithLogger sets the logger used to report mismatches.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Reconcile compares custody balances with open escrow totals, token by
// token. Diff is custody minus escrowed.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	open, err := s.escrows.ListOpen(ctx, openScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open escrows: %w", err)
	}
	balances, err := s.ledger.Balances(ctx, s.custody)
	if err != nil {
		return nil, fmt.Errorf("failed to load custody balances: %w", err)
	}

	byToken := make(map[string]*TokenResult)
	result := func(token string) *TokenResult {
		r, ok := byToken[token]
		if !ok {
			r = &TokenResult{Token: token, CustodyBalance: decimal.Zero, EscrowedTotal: decimal.Zero}
			byToken[token] = r
		}
		return r
	}
	for _, b := range balances {
		result(b.Token).CustodyBalance = b.Available
	}
	for _, e := range open {
		r := result(e.Token)
		r.EscrowedTotal = r.EscrowedTotal.Add(e.Amount)
		r.OpenEscrows++
	}

	report := &Report{
		CheckedAt: s.escrows.Now(),
		Truncated: len(open) >= openScanLimit,
	}
	for _, r := range byToken {
		r.Diff = r.CustodyBalance.Sub(r.EscrowedTotal)
		r.Match = r.Diff.IsZero()
		if !r.Match {
			report.Mismatches++
		}
		report.Tokens = append(report.Tokens, *r)
	}
	sort.Slice(report.Tokens, func(i, j int) bool { return report.Tokens[i].Token < report.Tokens[j].Token })
	return report, nil
}

// Check reconciles, updates the gauges and logs every mismatch at ERROR.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	start := time.Now()
	report, err := s.Reconcile(ctx)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	reconcileMismatches.Set(float64(report.Mismatches))
	for _, r := range report.Tokens {
		diff, _ := r.Diff.Float64()
		reconcileCustodyDiff.WithLabelValues(r.Token).Set(diff)
		if r.Match {
			continue
		}
		s.logger.Error("custody balance does not match open escrows",
			"token", r.Token,
			"custody", r.CustodyBalance.String(),
			"escrowed", r.EscrowedTotal.String(),
			"diff", r.Diff.String(),
			"openEscrows", r.OpenEscrows,
		)
	}
	if report.Truncated {
		s.logger.Warn("reconciliation scanned a truncated escrow set", "limit", openScanLimit)
	}
	return report, nil
}
