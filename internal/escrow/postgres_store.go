package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQL error codes
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts the escrow; the BIGSERIAL id is written back to e.ID.
func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			reference, depositor, beneficiary, token, amount,
			signers, threshold, approval_count, release_time, refund_time,
			arbitrator, status, dispute_reason, disputed_by, resolution,
			created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18
		) RETURNING id`,
		e.Reference, e.Depositor, e.Beneficiary, e.Token, e.Amount,
		pq.Array(e.Signers), e.Threshold, e.ApprovalCount, nullTime(e.ReleaseTime), nullTime(e.RefundTime),
		e.Arbitrator, string(e.Status), nullBytes(e.DisputeReason), nullString(e.DisputedBy), nullString(string(e.Resolution)),
		e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	).Scan(&e.ID)
}

const escrowColumns = `id, reference, depositor, beneficiary, token, amount,
		       signers, threshold, approval_count, release_time, refund_time,
		       arbitrator, status, dispute_reason, disputed_by, resolution,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes the mutable lifecycle columns. approval_count is owned by
// AddApproval.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_reason = $2, disputed_by = $3,
			resolution = $4, updated_at = $5, resolved_at = $6
		WHERE id = $7`,
		string(e.Status), nullBytes(e.DisputeReason), nullString(e.DisputedBy),
		nullString(string(e.Resolution)), e.UpdatedAt, nullTime(e.ResolvedAt),
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	return p.query(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE depositor = $1 OR beneficiary = $1 OR arbitrator = $1 OR $1 = ANY(signers)
		ORDER BY id DESC
		LIMIT $2`, addr, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 1000
	}
	return p.query(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY id ASC
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// AddApproval inserts the approval and bumps approval_count in one
// transaction. The (escrow_id, signer) primary key rejects duplicates.
func (p *PostgresStore) AddApproval(ctx context.Context, a *Approval) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_approvals (escrow_id, signer, approved_at)
		VALUES ($1, $2, $3)`,
		a.EscrowID, a.Signer, a.ApprovedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pgUniqueViolation:
				return 0, ErrAlreadyApproved
			case pgForeignKeyViolation:
				return 0, ErrEscrowNotFound
			}
		}
		return 0, fmt.Errorf("failed to insert approval: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		UPDATE escrows SET approval_count = approval_count + 1, updated_at = $2
		WHERE id = $1
		RETURNING approval_count`,
		a.EscrowID, a.ApprovedAt,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrEscrowNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment approval count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PostgresStore) HasApproval(ctx context.Context, escrowID uint64, signer string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM escrow_approvals WHERE escrow_id = $1 AND signer = $2)`,
		escrowID, signer,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListApprovals(ctx context.Context, escrowID uint64) ([]*Approval, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, signer, approved_at FROM escrow_approvals
		WHERE escrow_id = $1
		ORDER BY approved_at ASC, signer ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Approval
	for rows.Next() {
		a := &Approval{}
		if err := rows.Scan(&a.EscrowID, &a.Signer, &a.ApprovedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status, resolution, disputedBy sql.NullString
		releaseTime, refundTime        sql.NullTime
		resolvedAt                     sql.NullTime
		disputeReason                  []byte
		signers                        pq.StringArray
	)

	err := sc.Scan(
		&e.ID, &e.Reference, &e.Depositor, &e.Beneficiary, &e.Token, &e.Amount,
		&signers, &e.Threshold, &e.ApprovalCount, &releaseTime, &refundTime,
		&e.Arbitrator, &status, &disputeReason, &disputedBy, &resolution,
		&e.CreatedAt, &e.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Signers = []string(signers)
	e.Status = Status(status.String)
	e.Resolution = Outcome(resolution.String)
	e.DisputedBy = disputedBy.String
	if len(disputeReason) > 0 {
		e.DisputeReason = disputeReason
	}
	e.ReleaseTime = timePtr(releaseTime)
	e.RefundTime = timePtr(refundTime)
	e.ResolvedAt = timePtr(resolvedAt)
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
