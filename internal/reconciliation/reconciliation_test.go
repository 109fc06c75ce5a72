package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/covenant/internal/clock"
	"github.com/mbd888/covenant/internal/escrow"
	"github.com/mbd888/covenant/internal/ledger"
	"github.com/mbd888/covenant/internal/logging"
)

const (
	depositor   = "0x1111111111111111111111111111111111111111"
	beneficiary = "0x2222222222222222222222222222222222222222"
	signer      = "0x3333333333333333333333333333333333333333"
	arbitrator  = "0x4444444444444444444444444444444444444444"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// updateFailingStore loses every escrow state write.
type updateFailingStore struct {
	*escrow.MemoryStore
}

func (updateFailingStore) Update(context.Context, *escrow.Escrow) error {
	return errors.New("db unavailable")
}

type fixture struct {
	ledger  *ledger.Ledger
	escrows *escrow.Service
	svc     *Service
}

func newFixture(t *testing.T, store escrow.Store) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, depositor, "USDC", decimal.NewFromInt(1_000), "seed"))
	require.NoError(t, l.Deposit(ctx, depositor, "EURC", decimal.NewFromInt(1_000), "seed"))

	escrows := escrow.NewService(store, l).
		WithCustodyAccount(ledger.EscrowAccount).
		WithClock(clock.NewFake(t0)).
		WithLogger(logging.Discard())
	return &fixture{
		ledger:  l,
		escrows: escrows,
		svc:     NewService(l, escrows, ledger.EscrowAccount).WithLogger(logging.Discard()),
	}
}

func (f *fixture) create(t *testing.T, token string, amount int64) *escrow.Escrow {
	t.Helper()
	e, err := f.escrows.Create(context.Background(), depositor, escrow.CreateRequest{
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Token:       token,
		Amount:      decimal.NewFromInt(amount),
		Signers:     []string{signer},
		Threshold:   1,
		Arbitrator:  arbitrator,
	})
	require.NoError(t, err)
	return e
}

func tokenResult(t *testing.T, r *Report, token string) TokenResult {
	t.Helper()
	for _, tr := range r.Tokens {
		if tr.Token == token {
			return tr
		}
	}
	t.Fatalf("no result for token %s", token)
	return TokenResult{}
}

func TestReconcile_Balanced(t *testing.T) {
	f := newFixture(t, escrow.NewMemoryStore())
	ctx := context.Background()

	f.create(t, "USDC", 100)
	released := f.create(t, "USDC", 40)
	disputed := f.create(t, "EURC", 25)

	_, err := f.escrows.Approve(ctx, released.ID, signer, signer)
	require.NoError(t, err)
	_, err = f.escrows.Release(ctx, released.ID, signer)
	require.NoError(t, err)
	_, err = f.escrows.Dispute(ctx, disputed.ID, beneficiary, nil)
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Mismatches)
	assert.False(t, report.Truncated)
	assert.Equal(t, t0, report.CheckedAt)
	require.Len(t, report.Tokens, 2)

	usdc := tokenResult(t, report, "USDC")
	assert.True(t, usdc.Match)
	assert.True(t, usdc.CustodyBalance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, usdc.OpenEscrows)

	eurc := tokenResult(t, report, "EURC")
	assert.True(t, eurc.Match, "disputed escrows still hold custody")
	assert.Equal(t, 1, eurc.OpenEscrows)
}

func TestReconcile_Empty(t *testing.T) {
	f := newFixture(t, escrow.NewMemoryStore())
	report, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Tokens)
	assert.Zero(t, report.Mismatches)
}

func TestReconcile_DetectsReleaseWithLostStateWrite(t *testing.T) {
	f := newFixture(t, updateFailingStore{escrow.NewMemoryStore()})
	ctx := context.Background()

	e := f.create(t, "USDC", 70)
	_, err := f.escrows.Approve(ctx, e.ID, signer, signer)
	require.NoError(t, err)
	_, err = f.escrows.Release(ctx, e.ID, signer)
	require.Error(t, err)

	got, err := f.escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPending, got.Status, "record did not follow the transfer")

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Mismatches)
	usdc := tokenResult(t, report, "USDC")
	assert.False(t, usdc.Match)
	assert.True(t, usdc.CustodyBalance.IsZero())
	assert.True(t, usdc.EscrowedTotal.Equal(decimal.NewFromInt(70)))
	assert.True(t, usdc.Diff.Equal(decimal.NewFromInt(-70)))
}

func TestCheck_SetsGauges(t *testing.T) {
	f := newFixture(t, updateFailingStore{escrow.NewMemoryStore()})
	ctx := context.Background()

	e := f.create(t, "USDC", 70)
	_, err := f.escrows.Approve(ctx, e.ID, signer, signer)
	require.NoError(t, err)
	_, err = f.escrows.Release(ctx, e.ID, signer)
	require.Error(t, err)

	report, err := f.svc.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Mismatches)
	assert.Equal(t, float64(1), gaugeValue(t, reconcileMismatches))
	assert.Equal(t, float64(-70), gaugeValue(t, reconcileCustodyDiff.WithLabelValues("USDC")))
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type failingLister struct{}

func (failingLister) ListOpen(context.Context, int) ([]*escrow.Escrow, error) {
	return nil, errors.New("db unavailable")
}

func (failingLister) Now() time.Time { return t0 }

func TestCheck_CountsErrors(t *testing.T) {
	svc := NewService(ledger.New(ledger.NewMemoryStore()), failingLister{}, ledger.EscrowAccount).
		WithLogger(logging.Discard())

	before := counterValue(t, reconcileErrors)
	_, err := svc.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, before+1, counterValue(t, reconcileErrors))
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t, escrow.NewMemoryStore())
	timer := NewTimer(f.svc, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
