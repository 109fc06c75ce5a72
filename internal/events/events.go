// Package events publishes the audit trail of escrow, relay and arbitration
// transitions to off-chain observers.
//
// Emission is best effort. A sink failure is logged and counted but never
// surfaces to the operation that produced the event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/covenant/internal/idgen"
	"github.com/mbd888/covenant/internal/metrics"
)

// Type names an audit event.
type Type string

const (
	EscrowCreated   Type = "escrow.created"
	EscrowApproved  Type = "escrow.approved"
	EscrowReleased  Type = "escrow.released"
	EscrowRefunded  Type = "escrow.refunded"
	EscrowCancelled Type = "escrow.cancelled"
	EscrowDisputed  Type = "escrow.disputed"
	EscrowResolved  Type = "escrow.resolved"
	EscrowStalled   Type = "escrow.stalled"

	ArbitratorRegistered Type = "arbitrator.registered"
	ArbitratorUpdated    Type = "arbitrator.updated"

	PacketSent      Type = "packet.sent"
	PacketDelivered Type = "packet.delivered"
	PacketFailed    Type = "packet.failed"
	PacketRetrying  Type = "packet.retrying"
	PacketTimedOut  Type = "packet.timed_out"
)

// Entity kinds
const (
	KindEscrow     = "escrow"
	KindPacket     = "packet"
	KindArbitrator = "arbitrator"
)

// Event is one audit record.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	EntityKind string    `json:"entityKind"`
	EntityID   string    `json:"entityId"`
	Actor      string    `json:"actor,omitempty"`
	OldStatus  string    `json:"oldStatus,omitempty"`
	NewStatus  string    `json:"newStatus,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Token      string    `json:"token,omitempty"`
	Parties    []string  `json:"parties,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Involves reports whether addr is the actor or one of the parties.
func (e *Event) Involves(addr string) bool {
	if addr == "" {
		return false
	}
	if e.Actor == addr {
		return true
	}
	for _, p := range e.Parties {
		if p == addr {
			return true
		}
	}
	return false
}

// Sink receives events. Publish must not block for long; slow transports
// buffer internally.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e *Event) error
}

// Emitter fans events out to every configured sink.
// All methods are fire-and-forget: errors are logged but never returned.
// A nil *Emitter is a valid no-op.
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger}
}

// Emit stamps the event with an id (and timestamp if unset) and hands it to
// each sink. The caller's cancellation does not abort delivery.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil || len(em.sinks) == 0 {
		return
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	for _, s := range em.sinks {
		if err := s.Publish(ctx, &e); err != nil {
			metrics.EventsEmittedTotal.WithLabelValues(s.Name(), "error").Inc()
			em.logger.Warn("audit event emit failed", "sink", s.Name(), "event", e.Type, "entity", e.EntityID, "error", err)
			continue
		}
		metrics.EventsEmittedTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, e *Event) error {
	s.logger.InfoContext(ctx, "audit",
		"event", e.Type,
		"entity", e.EntityKind,
		"entityId", e.EntityID,
		"actor", e.Actor,
		"from", e.OldStatus,
		"to", e.NewStatus,
		"amount", e.Amount,
	)
	return nil
}

// Broadcaster is the realtime hub as seen by the emitter.
type Broadcaster interface {
	Broadcast(e *Event)
}

// HubSink forwards events to WebSocket subscribers.
type HubSink struct {
	hub Broadcaster
}

// NewHubSink creates a sink over a realtime broadcaster.
func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "realtime" }

func (s *HubSink) Publish(_ context.Context, e *Event) error {
	cp := *e
	s.hub.Broadcast(&cp)
	return nil
}

// Recorder is an in-memory sink for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
