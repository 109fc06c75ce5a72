package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in
// migrations/ (ledger_balances, ledger_entries).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Credit(ctx context.Context, address, token string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditTx(ctx, tx, address, token, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, address, token, EntryDeposit, amount, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Transfer debits and credits in one transaction. The conditional UPDATE
// takes the source row lock, so concurrent transfers from the same account
// cannot overdraw it.
func (p *PostgresStore) Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $3,
			total_out  = total_out + $3,
			updated_at = NOW()
		WHERE address = $1 AND token = $2 AND available >= $3
	`, from, token, amount)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", from, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := creditTx(ctx, tx, to, token, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, from, token, EntryDebit, amount, to, reference); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, to, token, EntryCredit, amount, from, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetBalance(ctx context.Context, address, token string) (*Balance, error) {
	bal, err := scanBalance(p.db.QueryRowContext(ctx, `
		SELECT address, token, available, total_in, total_out, updated_at
		FROM ledger_balances WHERE address = $1 AND token = $2
	`, address, token))
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Address: address, Token: token, UpdatedAt: time.Now()}, nil
	}
	return bal, err
}

func (p *PostgresStore) ListBalances(ctx context.Context, address string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, token, available, total_in, total_out, updated_at
		FROM ledger_balances WHERE address = $1 ORDER BY token
	`, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Balance
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetHistory(ctx context.Context, address string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, token, type, amount, counterparty, reference, created_at
		FROM ledger_entries
		WHERE address = $1
		ORDER BY id DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var counterparty, reference sql.NullString
		if err := rows.Scan(&e.ID, &e.Address, &e.Token, &e.Type, &e.Amount, &counterparty, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Counterparty = counterparty.String
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (*Balance, error) {
	bal := &Balance{}
	if err := row.Scan(&bal.Address, &bal.Token, &bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt); err != nil {
		return nil, err
	}
	return bal, nil
}

func creditTx(ctx context.Context, tx *sql.Tx, address, token string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (address, token, available, total_in, total_out, updated_at)
		VALUES ($1, $2, $3, $3, 0, NOW())
		ON CONFLICT (address, token) DO UPDATE SET
			available  = ledger_balances.available + $3,
			total_in   = ledger_balances.total_in  + $3,
			updated_at = NOW()
	`, address, token, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", address, err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, address, token, typ string, amount decimal.Decimal, counterparty, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (address, token, type, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, address, token, typ, amount, nullString(counterparty), nullString(reference))
	if err != nil {
		return fmt.Errorf("failed to record %s entry: %w", typ, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
