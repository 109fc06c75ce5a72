package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/covenant/internal/circuitbreaker"
	"github.com/mbd888/covenant/internal/logging"
)

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Publish(context.Context, *Event) error { return errors.New("down") }

func TestEmitter_FansOutAndStamps(t *testing.T) {
	rec := NewRecorder()
	em := NewEmitter(logging.Discard(), failingSink{}, NewLogSink(logging.Discard()), rec)

	em.Emit(context.Background(), Event{Type: EscrowCreated, EntityKind: KindEscrow, EntityID: "1"})

	evs := rec.Events()
	require.Len(t, evs, 1, "a failing sink must not stop the others")
	assert.Regexp(t, `^evt_[0-9a-f]{32}$`, evs[0].ID)
	assert.False(t, evs[0].Timestamp.IsZero())
}

func TestEmitter_NilIsNoop(t *testing.T) {
	var em *Emitter
	assert.NotPanics(t, func() { em.Emit(context.Background(), Event{Type: PacketSent}) })
}

func TestEmitter_IgnoresCallerCancellation(t *testing.T) {
	rec := NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewEmitter(logging.Discard(), rec).Emit(ctx, Event{Type: PacketSent})
	assert.Equal(t, []Type{PacketSent}, rec.Types())
}

func TestEvent_Involves(t *testing.T) {
	e := &Event{Actor: "0xa", Parties: []string{"0xb", "0xc"}}
	assert.True(t, e.Involves("0xa"))
	assert.True(t, e.Involves("0xc"))
	assert.False(t, e.Involves("0xd"))
	assert.False(t, e.Involves(""))
}

type fakeBroadcaster struct{ got []*Event }

func (f *fakeBroadcaster) Broadcast(e *Event) { f.got = append(f.got, e) }

func TestHubSink_CopiesEvent(t *testing.T) {
	fb := &fakeBroadcaster{}
	e := &Event{Type: EscrowReleased}
	require.NoError(t, NewHubSink(fb).Publish(context.Background(), e))
	require.Len(t, fb.got, 1)
	assert.NotSame(t, e, fb.got[0])
}

type fakeWriter struct {
	mu   sync.Mutex
	err  error
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_PublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w, circuitbreaker.New(2, time.Minute), logging.Discard())

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Publish(context.Background(), &Event{
		ID: "evt_1", Type: PacketDelivered, EntityKind: KindPacket, EntityID: "7", Timestamp: ts,
	}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "packet:7", string(w.msgs[0].Key))
	assert.Equal(t, "packet.delivered", string(w.msgs[0].Headers[0].Value))

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "evt_1", got.ID)
	assert.True(t, ts.Equal(got.Timestamp))
}

func TestKafkaSink_BreakerOpens(t *testing.T) {
	w := &fakeWriter{err: errors.New("no brokers")}
	sink := NewKafkaSinkWithWriter(w, circuitbreaker.New(2, time.Minute), logging.Discard())
	ctx := context.Background()

	assert.Error(t, sink.Publish(ctx, &Event{Type: PacketSent}))
	assert.Error(t, sink.Publish(ctx, &Event{Type: PacketSent}))
	assert.Equal(t, circuitbreaker.StateOpen, sink.State())
	assert.ErrorIs(t, sink.Publish(ctx, &Event{Type: PacketSent}), circuitbreaker.ErrOpen)
}

func TestNewKafkaSink_Validates(t *testing.T) {
	_, err := NewKafkaSink(nil, "t", logging.Discard())
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "", logging.Discard())
	assert.Error(t, err)

	s, err := NewKafkaSink([]string{"localhost:9092"}, "covenant.audit", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
