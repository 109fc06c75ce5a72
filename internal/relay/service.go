package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/logging"
	"github.com/mbd888/covenant/internal/metrics"
	"github.com/mbd888/covenant/internal/traces"
)

// Send validates and stores a new pending packet. Its id doubles as the
// nonce.
func (s *Service) Send(ctx context.Context, req SendRequest) (_ *Packet, err error) {
	ctx, span := traces.StartSpan(ctx, "relay.Send")
	defer func() { traces.End(span, err) }()

	if n := len(req.Sender); n == 0 || n > MaxAddressBytes {
		return nil, ErrInvalidSender
	}
	if n := len(req.Recipient); n == 0 || n > MaxAddressBytes {
		return nil, ErrInvalidRecipient
	}
	if len(req.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(req.Payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	window := s.defaultTimeout
	if req.Timeout != nil {
		if *req.Timeout < 0 || *req.Timeout > MaxTimeout {
			return nil, ErrInvalidTimeout
		}
		window = *req.Timeout
	}

	now := s.clock.Now()
	p := &Packet{
		SourceDomain:      req.SourceDomain,
		DestinationDomain: req.DestinationDomain,
		Sender:            append(hexutil.Bytes(nil), req.Sender...),
		Recipient:         append(hexutil.Bytes(nil), req.Recipient...),
		Payload:           append(hexutil.Bytes(nil), req.Payload...),
		Timeout:           now.Add(window),
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store packet: %w", err)
	}
	span.SetAttributes(traces.PacketID(p.ID))

	metrics.PacketTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.emit(ctx, events.PacketSent, p, "")
	return p.Clone(), nil
}

// Deliver completes an in-flight packet and writes its receipt. A packet
// whose deadline has passed is moved to timed_out and ErrPacketTimedOut is
// returned; that is the only failing call that changes state.
func (s *Service) Deliver(ctx context.Context, id, gasUsed uint64, result []byte) (_ *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "relay.Deliver", traces.PacketID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockEntity(ctx, "packet", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusDelivered:
		return nil, ErrAlreadyCompleted
	case StatusFailed, StatusTimedOut:
		return nil, ErrInvalidStatus
	}

	now := s.clock.Now()
	old := p.Status
	if now.After(p.Timeout) {
		if err := s.markTimedOut(ctx, p); err != nil {
			return nil, err
		}
		return nil, ErrPacketTimedOut
	}

	p.Status = StatusDelivered
	p.UpdatedAt = now
	r := &Receipt{
		PacketID:    id,
		DeliveredAt: now,
		GasUsed:     gasUsed,
		Result:      append(hexutil.Bytes(nil), result...),
	}
	if err := s.store.Deliver(ctx, p, r); err != nil {
		return nil, err
	}

	metrics.PacketTransitionsTotal.WithLabelValues(string(StatusDelivered)).Inc()
	metrics.PacketDeliveryLatency.Observe(now.Sub(p.CreatedAt).Seconds())
	metrics.PacketGasUsed.Observe(float64(gasUsed))
	s.emitFrom(ctx, events.PacketDelivered, p, old, "")
	return r, nil
}

// Fail marks a packet failed. Any existing packet may be failed.
func (s *Service) Fail(ctx context.Context, id uint64, reason string) (_ *Packet, err error) {
	ctx, span := traces.StartSpan(ctx, "relay.Fail", traces.PacketID(id))
	defer func() { traces.End(span, err) }()

	if len(reason) > MaxFailureReason {
		return nil, ErrReasonTooLong
	}

	unlock, err := s.locks.LockEntity(ctx, "packet", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	old := p.Status
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update packet: %w", err)
	}

	metrics.PacketTransitionsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.emitFrom(ctx, events.PacketFailed, p, old, reason)
	return p.Clone(), nil
}

// Retry puts a failed or timed-out packet back in flight with a fresh
// deadline. A packet failed after its delivery keeps its receipt and
// cannot be retried.
func (s *Service) Retry(ctx context.Context, id uint64) (_ *Packet, err error) {
	ctx, span := traces.StartSpan(ctx, "relay.Retry", traces.PacketID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockEntity(ctx, "packet", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusFailed, StatusTimedOut:
	case StatusDelivered:
		return nil, ErrAlreadyCompleted
	default:
		return nil, ErrInvalidStatus
	}
	if _, err := s.store.GetReceipt(ctx, id); err == nil {
		return nil, ErrAlreadyCompleted
	} else if !errors.Is(err, ErrReceiptNotFound) {
		return nil, fmt.Errorf("failed to check receipt: %w", err)
	}
	if s.maxRetries > 0 && p.RetryCount >= s.maxRetries {
		return nil, ErrRetryLimit
	}

	now := s.clock.Now()
	old := p.Status
	p.Status = StatusRetrying
	p.RetryCount++
	p.FailureReason = ""
	p.Timeout = now.Add(s.defaultTimeout)
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update packet: %w", err)
	}

	metrics.PacketTransitionsTotal.WithLabelValues(string(StatusRetrying)).Inc()
	s.emitFrom(ctx, events.PacketRetrying, p, old, "")
	return p.Clone(), nil
}

// CheckTimeouts moves every in-flight packet past its deadline to
// timed_out and returns the ids it changed. Running it again changes
// nothing for packets already swept.
func (s *Service) CheckTimeouts(ctx context.Context) (_ []uint64, err error) {
	ctx, span := traces.StartSpan(ctx, "relay.CheckTimeouts")
	defer func() { traces.End(span, err) }()
	metrics.TimeoutSweepsTotal.Inc()

	inFlight, err := s.store.List(ctx, 0, StatusPending, StatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight packets: %w", err)
	}

	now := s.clock.Now()
	var changed []uint64
	var errs []error
	for _, p := range inFlight {
		if !now.After(p.Timeout) {
			continue
		}
		swept, err := s.sweepOne(ctx, p.ID)
		if err != nil {
			logging.L(ctx).Warn("failed to time out packet", "packetId", p.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if swept {
			changed = append(changed, p.ID)
		}
	}
	if len(changed) > 0 {
		logging.L(ctx).Info("packets timed out", "count", len(changed))
	}
	return changed, errors.Join(errs...)
}

// sweepOne re-reads the packet under its lock so a concurrent Deliver or
// Retry wins cleanly.
func (s *Service) sweepOne(ctx context.Context, id uint64) (bool, error) {
	unlock, err := s.locks.LockEntity(ctx, "packet", id)
	if err != nil {
		return false, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !p.Status.InFlight() || !s.clock.Now().After(p.Timeout) {
		return false, nil
	}
	return true, s.markTimedOut(ctx, p)
}

// markTimedOut persists the timed_out transition. Caller holds the lock.
func (s *Service) markTimedOut(ctx context.Context, p *Packet) error {
	old := p.Status
	p.Status = StatusTimedOut
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, p); err != nil {
		return fmt.Errorf("failed to mark packet timed out: %w", err)
	}
	metrics.PacketTransitionsTotal.WithLabelValues(string(StatusTimedOut)).Inc()
	s.emitFrom(ctx, events.PacketTimedOut, p, old, "")
	return nil
}

// Get returns a packet by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Packet, error) {
	return s.store.Get(ctx, id)
}

// Receipt returns the delivery receipt of a packet.
func (s *Service) Receipt(ctx context.Context, id uint64) (*Receipt, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetReceipt(ctx, id)
}

// List returns packets, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Packet, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if status == "" {
		return s.store.List(ctx, limit)
	}
	return s.store.List(ctx, limit, status)
}

func (s *Service) emit(ctx context.Context, typ events.Type, p *Packet, detail string) {
	s.emitFrom(ctx, typ, p, "", detail)
}

func (s *Service) emitFrom(ctx context.Context, typ events.Type, p *Packet, old Status, detail string) {
	s.emitter.Emit(ctx, events.Event{
		Type:       typ,
		EntityKind: events.KindPacket,
		EntityID:   strconv.FormatUint(p.ID, 10),
		OldStatus:  string(old),
		NewStatus:  string(p.Status),
		Parties:    []string{hexutil.Encode(p.Sender), hexutil.Encode(p.Recipient)},
		Detail:     detail,
		Timestamp:  s.clock.Now(),
	})
}
