package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists arbitrators in the arbitrators table. The
// BIGSERIAL seq column preserves registration order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `address, reputation_score, total_resolved, is_active, registered_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, prof *Profile) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitrators (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO NOTHING
	`, prof.Address, prof.ReputationScore, prof.TotalResolved, prof.IsActive, prof.RegisteredAt, prof.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyRegistered
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM arbitrators WHERE address = $1`, address)
	prof, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArbitratorNotFound
	}
	return prof, err
}

func (p *PostgresStore) Modify(ctx context.Context, address string, fn func(*Profile) error) (*Profile, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM arbitrators WHERE address = $1 FOR UPDATE`, address)
	prof, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArbitratorNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(prof); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE arbitrators SET
			reputation_score = $2, total_resolved = $3, is_active = $4, updated_at = $5
		WHERE address = $1
	`, address, prof.ReputationScore, prof.TotalResolved, prof.IsActive, prof.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return prof, nil
}

func (p *PostgresStore) List(ctx context.Context, activeOnly bool, limit int) ([]*Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM arbitrators WHERE ($1 = FALSE OR is_active) ORDER BY seq`
	args := []any{activeOnly}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prof)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(sc scanner) (*Profile, error) {
	var prof Profile
	if err := sc.Scan(&prof.Address, &prof.ReputationScore, &prof.TotalResolved,
		&prof.IsActive, &prof.RegisteredAt, &prof.UpdatedAt); err != nil {
		return nil, err
	}
	prof.RegisteredAt = prof.RegisteredAt.UTC()
	prof.UpdatedAt = prof.UpdatedAt.UTC()
	return &prof, nil
}

var _ Store = (*PostgresStore)(nil)
