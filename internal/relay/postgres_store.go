package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore persists packets in the packets and packet_receipts
// tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const packetColumns = `id, source_domain, destination_domain, sender, recipient, payload,
	timeout_at, status, failure_reason, retry_count, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pkt *Packet) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO packets (source_domain, destination_domain, sender, recipient, payload,
			timeout_at, status, failure_reason, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, int64(pkt.SourceDomain), int64(pkt.DestinationDomain), []byte(pkt.Sender), []byte(pkt.Recipient), []byte(pkt.Payload),
		pkt.Timeout, string(pkt.Status), nullString(pkt.FailureReason), pkt.RetryCount, pkt.CreatedAt, pkt.UpdatedAt,
	).Scan(&pkt.ID)
	if err != nil {
		return err
	}
	pkt.Nonce = pkt.ID
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Packet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+packetColumns+` FROM packets WHERE id = $1`, id)
	pkt, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPacketNotFound
	}
	return pkt, err
}

func (p *PostgresStore) Update(ctx context.Context, pkt *Packet) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE packets SET
			timeout_at = $2, status = $3, failure_reason = $4, retry_count = $5, updated_at = $6
		WHERE id = $1
	`, pkt.ID, pkt.Timeout, string(pkt.Status), nullString(pkt.FailureReason), pkt.RetryCount, pkt.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPacketNotFound
	}
	return nil
}

// Deliver flips the status only if the packet is still in flight and
// inserts the receipt in the same transaction.
func (p *PostgresStore) Deliver(ctx context.Context, pkt *Packet, r *Receipt) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE packets SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`, pkt.ID, string(pkt.Status), pkt.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidStatus
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packet_receipts (packet_id, delivered_at, gas_used, result)
		VALUES ($1, $2, $3, $4)
	`, r.PacketID, r.DeliveredAt, strconv.FormatUint(r.GasUsed, 10), append([]byte{}, r.Result...))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyCompleted
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetReceipt(ctx context.Context, packetID uint64) (*Receipt, error) {
	var (
		r      Receipt
		gas    string
		result []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT packet_id, delivered_at, gas_used::TEXT, result
		FROM packet_receipts WHERE packet_id = $1
	`, packetID).Scan(&r.PacketID, &r.DeliveredAt, &gas, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.GasUsed, err = strconv.ParseUint(gas, 10, 64); err != nil {
		return nil, fmt.Errorf("parse gas_used %q: %w", gas, err)
	}
	r.Result = result
	r.DeliveredAt = r.DeliveredAt.UTC()
	return &r, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int, statuses ...Status) ([]*Packet, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}
	q := `SELECT ` + packetColumns + ` FROM packets
		WHERE (cardinality($1::TEXT[]) = 0 OR status = ANY($1))
		ORDER BY id`
	args := []any{pq.Array(filter)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Packet
	for rows.Next() {
		pkt, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPacket(sc scanner) (*Packet, error) {
	var (
		pkt                        Packet
		source, dest               int64
		sender, recipient, payload []byte
		status                     string
		failureReason              sql.NullString
	)
	if err := sc.Scan(&pkt.ID, &source, &dest, &sender, &recipient, &payload,
		&pkt.Timeout, &status, &failureReason, &pkt.RetryCount, &pkt.CreatedAt, &pkt.UpdatedAt); err != nil {
		return nil, err
	}
	pkt.Nonce = pkt.ID
	pkt.Sender, pkt.Recipient, pkt.Payload = sender, recipient, payload
	pkt.SourceDomain = uint32(source)
	pkt.DestinationDomain = uint32(dest)
	pkt.Status = Status(status)
	pkt.FailureReason = failureReason.String
	pkt.Timeout = pkt.Timeout.UTC()
	pkt.CreatedAt = pkt.CreatedAt.UTC()
	pkt.UpdatedAt = pkt.UpdatedAt.UTC()
	return &pkt, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
