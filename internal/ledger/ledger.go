// Package ledger is the custody book behind escrow settlement.
//
// Flow:
//  1. A party is funded (Deposit, development only)
//  2. Creating an escrow transfers the amount into the escrow custody account
//  3. Release, refund, cancel or resolve transfers it out again
//
// Every transfer is an atomic debit + credit with one entry per side.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/covenant/internal/apperr"
)

// EscrowAccount is the custody account that holds escrowed funds.
const EscrowAccount = "escrow"

var (
	ErrInsufficientBalance = apperr.New(apperr.KindStateConflict, "insufficient balance")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "amount must be positive")
	ErrInvalidAccount      = apperr.New(apperr.KindValidation, "account and token are required")
	ErrSameAccount         = apperr.New(apperr.KindValidation, "cannot transfer to the same account")
)

// Entry types
const (
	EntryDeposit = "deposit"
	EntryDebit   = "debit"
	EntryCredit  = "credit"
)

// Balance is one account's holding of one token.
type Balance struct {
	Address   string          `json:"address"`
	Token     string          `json:"token"`
	Available decimal.Decimal `json:"available"`
	TotalIn   decimal.Decimal `json:"totalIn"`
	TotalOut  decimal.Decimal `json:"totalOut"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Entry is one side of a movement.
type Entry struct {
	ID           uint64          `json:"id"`
	Address      string          `json:"address"`
	Token        string          `json:"token"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists balances and entries. Transfer must debit and credit
// atomically and fail with ErrInsufficientBalance without side effects.
type Store interface {
	Credit(ctx context.Context, address, token string, amount decimal.Decimal, reference string) error
	Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) error
	GetBalance(ctx context.Context, address, token string) (*Balance, error)
	ListBalances(ctx context.Context, address string) ([]*Balance, error)
	GetHistory(ctx context.Context, address string, limit int) ([]*Entry, error)
}

// Ledger manages custody balances.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Deposit credits an account out of thin air. Used to fund parties in
// development; production funding arrives through an external bridge.
func (l *Ledger) Deposit(ctx context.Context, address, token string, amount decimal.Decimal, reference string) error {
	address, token = normalize(address), strings.TrimSpace(token)
	if address == "" || token == "" {
		return ErrInvalidAccount
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, address, token, amount, reference)
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) error {
	from, to, token = normalize(from), normalize(to), strings.TrimSpace(token)
	if from == "" || to == "" || token == "" {
		return ErrInvalidAccount
	}
	if from == to {
		return ErrSameAccount
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := l.store.Transfer(ctx, from, to, token, amount, reference); err != nil {
		return fmt.Errorf("transfer %s %s %s->%s: %w", amount, token, from, to, err)
	}
	return nil
}

// GetBalance returns an account's balance for one token. Unknown accounts
// report zero.
func (l *Ledger) GetBalance(ctx context.Context, address, token string) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(address), strings.TrimSpace(token))
}

// Balances returns every token balance an account holds.
func (l *Ledger) Balances(ctx context.Context, address string) ([]*Balance, error) {
	return l.store.ListBalances(ctx, normalize(address))
}

// GetHistory returns ledger entries for an account, newest first.
func (l *Ledger) GetHistory(ctx context.Context, address string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(address), limit)
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
