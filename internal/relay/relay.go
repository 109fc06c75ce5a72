// Package relay delivers opaque payloads between two domains with an
// explicit delivery deadline, bounded retries and timeout detection.
//
// Packet lifecycle:
//
//	pending ──deliver──▶ delivered
//	   │  └──deadline passed──▶ timed_out ──retry──▶ retrying
//	   └──fail──▶ failed ──retry──▶ retrying ──deliver──▶ delivered
//
// Time is evaluated lazily: a packet past its deadline stays pending until
// Deliver or CheckTimeouts looks at it.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/clock"
	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/syncutil"
)

var (
	ErrPacketNotFound  = apperr.New(apperr.KindNotFound, "packet not found")
	ErrReceiptNotFound = apperr.New(apperr.KindNotFound, "packet has no delivery receipt")

	ErrInvalidSender    = apperr.New(apperr.KindValidation, "sender must be 1 to 64 bytes")
	ErrInvalidRecipient = apperr.New(apperr.KindValidation, "recipient must be 1 to 64 bytes")
	ErrEmptyPayload     = apperr.New(apperr.KindValidation, "payload must not be empty")
	ErrPayloadTooLarge  = apperr.New(apperr.KindValidation, "payload exceeds the maximum size")
	ErrInvalidTimeout   = apperr.New(apperr.KindValidation, "timeout must be between zero and one year")
	ErrReasonTooLong    = apperr.New(apperr.KindValidation, "failure reason is too long")

	ErrAlreadyCompleted = apperr.New(apperr.KindStateConflict, "packet already completed")
	ErrInvalidStatus    = apperr.New(apperr.KindStateConflict, "packet status does not allow this operation")
	ErrRetryLimit       = apperr.New(apperr.KindStateConflict, "packet retry limit reached")

	ErrPacketTimedOut = apperr.New(apperr.KindExpired, "packet timed out before delivery")
)

const (
	MaxAddressBytes  = 64
	MaxPayloadBytes  = 64 << 10
	MaxFailureReason = 1024

	DefaultTimeout    = 24 * time.Hour
	MaxTimeout        = 365 * 24 * time.Hour
	DefaultMaxRetries = 5
)

// Status represents the state of a packet.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusDelivered, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// InFlight reports whether a packet in s is still awaiting delivery.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusRetrying
}

// Packet is a cross-domain message. Nonce always equals ID.
type Packet struct {
	ID                uint64        `json:"id"`
	Nonce             uint64        `json:"nonce"`
	SourceDomain      uint32        `json:"sourceDomain"`
	DestinationDomain uint32        `json:"destinationDomain"`
	Sender            hexutil.Bytes `json:"sender"`
	Recipient         hexutil.Bytes `json:"recipient"`
	Payload           hexutil.Bytes `json:"payload"`
	Timeout           time.Time     `json:"timeout"`
	Status            Status        `json:"status"`
	FailureReason     string        `json:"failureReason,omitempty"`
	RetryCount        int           `json:"retryCount"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy.
func (p *Packet) Clone() *Packet {
	cp := *p
	cp.Sender = append(hexutil.Bytes(nil), p.Sender...)
	cp.Recipient = append(hexutil.Bytes(nil), p.Recipient...)
	cp.Payload = append(hexutil.Bytes(nil), p.Payload...)
	return &cp
}

// Receipt records a successful delivery. There is at most one per packet.
type Receipt struct {
	PacketID    uint64        `json:"packetId"`
	DeliveredAt time.Time     `json:"deliveredAt"`
	GasUsed     uint64        `json:"gasUsed"`
	Result      hexutil.Bytes `json:"result"`
}

// Store persists packets and receipts. Create assigns the next sequential
// ID. Deliver writes the delivered status and the receipt together.
type Store interface {
	Create(ctx context.Context, p *Packet) error
	Get(ctx context.Context, id uint64) (*Packet, error)
	Update(ctx context.Context, p *Packet) error
	Deliver(ctx context.Context, p *Packet, r *Receipt) error
	GetReceipt(ctx context.Context, packetID uint64) (*Receipt, error)
	// List returns packets in ascending id order, filtered to statuses
	// when any are given. limit <= 0 means no limit.
	List(ctx context.Context, limit int, statuses ...Status) ([]*Packet, error)
}

// SendRequest contains the parameters for sending a packet. A nil Timeout
// selects the service default; an explicit zero sets the deadline to the
// send time.
type SendRequest struct {
	SourceDomain      uint32
	DestinationDomain uint32
	Sender            []byte
	Recipient         []byte
	Payload           []byte
	Timeout           *time.Duration
}

// Service implements the packet state machine.
type Service struct {
	store          Store
	emitter        *events.Emitter
	clock          clock.Clock
	locks          *syncutil.ContextShardedMutex
	defaultTimeout time.Duration
	maxRetries     int
	logger         *slog.Logger
}

// NewService creates a relay over store.
func NewService(store Store) *Service {
	return &Service{
		store:          store,
		clock:          clock.System{},
		locks:          syncutil.NewContextShardedMutex(),
		defaultTimeout: DefaultTimeout,
		maxRetries:     DefaultMaxRetries,
		logger:         slog.Default(),
	}
}

// WithEmitter adds an audit event emitter.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithDefaultTimeout sets the delivery window used by Send without an
// explicit timeout and by every Retry.
func (s *Service) WithDefaultTimeout(d time.Duration) *Service {
	if d > 0 {
		s.defaultTimeout = d
	}
	return s
}

// WithMaxRetries caps retries per packet; 0 removes the cap.
func (s *Service) WithMaxRetries(n int) *Service {
	if n >= 0 {
		s.maxRetries = n
	}
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}
