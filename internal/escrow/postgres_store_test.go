package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/covenant/internal/idgen"
	"github.com/mbd888/covenant/internal/testutil"
)

func newPGEscrow(depositor string) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	refund := now.Add(48 * time.Hour)
	return &Escrow{
		Reference:   idgen.WithPrefix("esc_"),
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Token:       token,
		Amount:      decimal.RequireFromString("12.5"),
		Signers:     []string{signer1, signer2},
		Threshold:   2,
		RefundTime:  &refund,
		Arbitrator:  arbitrator,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := newPGEscrow(depositor)
	require.NoError(t, store.Create(ctx, e))
	require.NotZero(t, e.ID)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(got.Amount))
	assert.Equal(t, e.Signers, got.Signers)
	assert.Equal(t, e.RefundTime.Unix(), got.RefundTime.Unix())
	assert.Nil(t, got.ReleaseTime)

	count, err := store.AddApproval(ctx, &Approval{EscrowID: e.ID, Signer: signer1, ApprovedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.AddApproval(ctx, &Approval{EscrowID: e.ID, Signer: signer1, ApprovedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrAlreadyApproved)
	_, err = store.AddApproval(ctx, &Approval{EscrowID: 999999, Signer: signer1, ApprovedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	has, err := store.HasApproval(ctx, e.ID, signer1)
	require.NoError(t, err)
	assert.True(t, has)

	got.Status = StatusDisputed
	got.DisputeReason = []byte("late")
	got.DisputedBy = depositor
	got.ApprovalCount = 0
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, "late", string(got.DisputeReason))
	assert.Equal(t, 1, got.ApprovalCount, "update never rewrites the approval count")

	approvals, err := store.ListApprovals(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, signer1, approvals[0].Signer)

	_, err = store.Get(ctx, 424242)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	first := newPGEscrow(depositor)
	require.NoError(t, store.Create(ctx, first))
	second := newPGEscrow("0xother")
	require.NoError(t, store.Create(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	bySigner, err := store.ListByParty(ctx, signer2, 10)
	require.NoError(t, err)
	require.Len(t, bySigner, 2)
	assert.Equal(t, second.ID, bySigner[0].ID, "newest first")

	byDepositor, err := store.ListByParty(ctx, depositor, 10)
	require.NoError(t, err)
	assert.Len(t, byDepositor, 1)

	pending, err := store.ListByStatus(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")
}
