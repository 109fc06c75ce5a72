package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/clock"
	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/logging"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	svc    *Service
	store  *MemoryStore
	clock  *clock.Fake
	events *events.Recorder
}

func newHarness() *harness {
	h := &harness{store: NewMemoryStore(), clock: clock.NewFake(t0), events: events.NewRecorder()}
	h.svc = NewService(h.store).
		WithClock(h.clock).
		WithEmitter(events.NewEmitter(logging.Discard(), h.events)).
		WithLogger(logging.Discard())
	return h
}

func (h *harness) send(t *testing.T) *Packet {
	t.Helper()
	p, err := h.svc.Send(context.Background(), SendRequest{
		SourceDomain:      1,
		DestinationDomain: 2,
		Sender:            []byte("A"),
		Recipient:         []byte("B"),
		Payload:           []byte("hi"),
	})
	require.NoError(t, err)
	return p
}

func window(d time.Duration) *time.Duration { return &d }

func TestScenarioB_DeliverExactlyOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	p := h.send(t)
	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, p.ID, p.Nonce)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, t0.Add(86400*time.Second), p.Timeout)

	h.clock.Advance(time.Minute)
	r, err := h.svc.Deliver(ctx, 1, 21000, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), r.GasUsed)
	assert.Equal(t, t0.Add(time.Minute), r.DeliveredAt)

	got, _ := h.svc.Get(ctx, 1)
	assert.Equal(t, StatusDelivered, got.Status)

	h.clock.Advance(time.Minute)
	_, err = h.svc.Deliver(ctx, 1, 99, []byte{0x02})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, apperr.KindStateConflict, apperr.KindOf(err))

	stored, err := h.svc.Receipt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, r, stored, "receipt unchanged by the duplicate delivery")

	assert.Equal(t, []events.Type{events.PacketSent, events.PacketDelivered}, h.events.Types())
}

func TestSend_Validation(t *testing.T) {
	long := bytes.Repeat([]byte{1}, MaxAddressBytes+1)
	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty sender", SendRequest{Recipient: []byte("B"), Payload: []byte("x")}, ErrInvalidSender},
		{"long sender", SendRequest{Sender: long, Recipient: []byte("B"), Payload: []byte("x")}, ErrInvalidSender},
		{"empty recipient", SendRequest{Sender: []byte("A"), Payload: []byte("x")}, ErrInvalidRecipient},
		{"long recipient", SendRequest{Sender: []byte("A"), Recipient: long, Payload: []byte("x")}, ErrInvalidRecipient},
		{"empty payload", SendRequest{Sender: []byte("A"), Recipient: []byte("B")}, ErrEmptyPayload},
		{"huge payload", SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: make([]byte, MaxPayloadBytes+1)}, ErrPayloadTooLarge},
		{"negative timeout", SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(-time.Second)}, ErrInvalidTimeout},
		{"timeout over a year", SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(MaxTimeout + time.Second)}, ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			_, err := h.svc.Send(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			all, _ := h.store.List(context.Background(), 0)
			assert.Empty(t, all)
		})
	}
}

func TestSend_BoundaryLengthsAndTimeout(t *testing.T) {
	h := newHarness()
	full := bytes.Repeat([]byte{7}, MaxAddressBytes)
	p, err := h.svc.Send(context.Background(), SendRequest{
		Sender:    full,
		Recipient: full,
		Payload:   make([]byte, MaxPayloadBytes),
		Timeout:   window(10 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), p.Timeout)
}

func TestSend_ExplicitZeroTimeout(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p, err := h.svc.Send(ctx, SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(0)})
	require.NoError(t, err)
	assert.Equal(t, t0, p.Timeout)

	h.clock.Advance(time.Second)
	_, err = h.svc.Deliver(ctx, p.ID, 1, nil)
	assert.ErrorIs(t, err, ErrPacketTimedOut)
}

func TestSend_CopiesInput(t *testing.T) {
	h := newHarness()
	payload := []byte("hello")
	p, err := h.svc.Send(context.Background(), SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: payload})
	require.NoError(t, err)
	payload[0] = 'j'

	got, _ := h.svc.Get(context.Background(), p.ID)
	assert.Equal(t, "hello", string(got.Payload))
}

func TestDeliver_AfterDeadlineTimesOut(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p := h.send(t)

	h.clock.Set(p.Timeout)
	_, err := h.svc.Deliver(ctx, p.ID, 1, nil)
	require.NoError(t, err, "deadline itself is still deliverable")

	p2 := h.send(t)
	h.clock.Set(p2.Timeout.Add(time.Second))
	_, err = h.svc.Deliver(ctx, p2.ID, 1, nil)
	assert.ErrorIs(t, err, ErrPacketTimedOut)
	assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))

	got, _ := h.svc.Get(ctx, p2.ID)
	assert.Equal(t, StatusTimedOut, got.Status, "failed delivery still records the timeout")
	_, err = h.svc.Receipt(ctx, p2.ID)
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	_, err = h.svc.Deliver(ctx, p2.ID, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDeliver_RejectsFailedAndUnknown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p := h.send(t)

	_, err := h.svc.Fail(ctx, p.ID, "relayer crashed")
	require.NoError(t, err)
	_, err = h.svc.Deliver(ctx, p.ID, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = h.svc.Deliver(ctx, 404, 1, nil)
	assert.ErrorIs(t, err, ErrPacketNotFound)
}

func TestFail_Unconditional(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for _, prep := range []func(id uint64){
		func(uint64) {},
		func(id uint64) { _, _ = h.svc.Deliver(ctx, id, 1, nil) },
		func(id uint64) { _, _ = h.svc.Fail(ctx, id, "first") },
	} {
		p := h.send(t)
		prep(p.ID)
		got, err := h.svc.Fail(ctx, p.ID, "gave up")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "gave up", got.FailureReason)
	}

	_, err := h.svc.Fail(ctx, 404, "x")
	assert.ErrorIs(t, err, ErrPacketNotFound)
}

func TestRetry(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p := h.send(t)

	_, err := h.svc.Retry(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus, "pending cannot be retried")

	_, err = h.svc.Fail(ctx, p.ID, "nack")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	got, err := h.svc.Retry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, t0.Add(time.Hour+DefaultTimeout), got.Timeout)

	_, err = h.svc.Retry(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus, "retrying cannot be retried")

	_, err = h.svc.Deliver(ctx, p.ID, 5, nil)
	require.NoError(t, err)
	_, err = h.svc.Retry(ctx, p.ID)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestRetry_FromTimedOut(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p := h.send(t)

	h.clock.Advance(DefaultTimeout + time.Second)
	ids, err := h.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{p.ID}, ids)

	got, err := h.svc.Retry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)

	_, err = h.svc.Deliver(ctx, p.ID, 1, nil)
	assert.NoError(t, err)
}

func TestRetry_Limit(t *testing.T) {
	h := newHarness()
	h.svc.WithMaxRetries(2)
	ctx := context.Background()
	p := h.send(t)

	for i := 0; i < 2; i++ {
		_, err := h.svc.Fail(ctx, p.ID, "nack")
		require.NoError(t, err)
		_, err = h.svc.Retry(ctx, p.ID)
		require.NoError(t, err)
	}
	_, err := h.svc.Fail(ctx, p.ID, "nack")
	require.NoError(t, err)
	_, err = h.svc.Retry(ctx, p.ID)
	assert.ErrorIs(t, err, ErrRetryLimit)

	h.svc.WithMaxRetries(0)
	_, err = h.svc.Retry(ctx, p.ID)
	assert.NoError(t, err, "zero removes the cap")
}

func TestFailRetryAfterDelivery_KeepsSingleReceipt(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p := h.send(t)

	first, err := h.svc.Deliver(ctx, p.ID, 10, []byte("ok"))
	require.NoError(t, err)
	_, err = h.svc.Fail(ctx, p.ID, "late nack")
	require.NoError(t, err)

	_, err = h.svc.Retry(ctx, p.ID)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	got, err := h.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount)

	_, err = h.svc.Deliver(ctx, p.ID, 20, []byte("again"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
	r, _ := h.svc.Receipt(ctx, p.ID)
	assert.Equal(t, first, r)

	h.clock.Advance(DefaultTimeout + time.Second)
	ids, err := h.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCheckTimeouts_Idempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	short, err := h.svc.Send(ctx, SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(time.Minute)})
	require.NoError(t, err)
	long := h.send(t)
	delivered, err := h.svc.Send(ctx, SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(time.Minute)})
	require.NoError(t, err)
	_, err = h.svc.Deliver(ctx, delivered.ID, 1, nil)
	require.NoError(t, err)
	failed, err := h.svc.Send(ctx, SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(time.Minute)})
	require.NoError(t, err)
	_, err = h.svc.Fail(ctx, failed.ID, "x")
	require.NoError(t, err)

	ids, err := h.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	h.clock.Advance(2 * time.Minute)
	ids, err = h.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{short.ID}, ids)

	ids, err = h.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "second sweep is a no-op")

	got, _ := h.svc.Get(ctx, long.ID)
	assert.Equal(t, StatusPending, got.Status)
	got, _ = h.svc.Get(ctx, delivered.ID)
	assert.Equal(t, StatusDelivered, got.Status)
	got, _ = h.svc.Get(ctx, failed.ID)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestCheckTimeouts_IncludesRetrying(t *testing.T) {
	h := newHarness()
	h.svc.WithDefaultTimeout(time.Minute)
	ctx := context.Background()
	p := h.send(t)
	_, _ = h.svc.Fail(ctx, p.ID, "x")
	_, err := h.svc.Retry(ctx, p.ID)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	ids, err := h.svc.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{p.ID}, ids)
}

func TestDeliverAndSweepRace(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		_, err := h.svc.Send(ctx, SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(time.Minute)})
		require.NoError(t, err)
	}
	h.clock.Advance(2 * time.Minute)

	var timedOut atomic.Int64
	var wg sync.WaitGroup
	for i := uint64(1); i <= n; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if _, err := h.svc.Deliver(ctx, id, 1, nil); errors.Is(err, ErrPacketTimedOut) {
				timedOut.Add(1)
			}
		}(i)
	}
	wg.Add(1)
	var swept []uint64
	go func() {
		defer wg.Done()
		swept, _ = h.svc.CheckTimeouts(ctx)
	}()
	wg.Wait()

	assert.Equal(t, int64(n), timedOut.Load()+int64(len(swept)), "each packet timed out exactly once")
	all, _ := h.store.List(ctx, 0, StatusTimedOut)
	assert.Len(t, all, n)
}

func TestList(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.send(t)
	p2 := h.send(t)
	_, _ = h.svc.Fail(ctx, p2.ID, "x")

	all, err := h.svc.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := h.svc.List(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, p2.ID, failed[0].ID)
}

func TestTimer_SweepsInBackground(t *testing.T) {
	h := newHarness()
	p, err := h.svc.Send(context.Background(), SendRequest{Sender: []byte("A"), Recipient: []byte("B"), Payload: []byte("x"), Timeout: window(time.Second)})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	timer := NewTimer(h.svc, 5*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	assert.Eventually(t, func() bool {
		got, _ := h.svc.Get(context.Background(), p.ID)
		return got.Status == StatusTimedOut
	}, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	timer.Stop()
	assert.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
