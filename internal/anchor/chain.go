// Package anchor writes content hashes to an external distributed ledger and
// reads them back.
//
// The ledger is slow and only partially available, so Client wraps every
// submission in a bounded, sequential retry loop and treats a duplicate
// registration for the same (batch, event type) as an already-anchored
// success. Callers that use anchoring as advisory evidence must swallow the
// errors Client returns; the stored content hash stays authoritative.
package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
)

// EventAnchored is the name of the ledger event emitted by a registration.
const EventAnchored = "Anchored"

// Event types registered by this service.
const (
	EventTypeFinalization      = "FINALIZATION"
	EventTypeCertificatePrefix = "CERTIFICATE_"
)

var (
	// Transient: retried.
	ErrUnderpriced   = errors.New("anchor: transaction underpriced")
	ErrNonceConflict = errors.New("anchor: nonce already used or pending")
	ErrTimeout       = errors.New("anchor: confirmation timed out")
	ErrUnavailable   = errors.New("anchor: ledger unavailable")

	// Permanent: returned without retrying.
	ErrInsufficientFunds = errors.New("anchor: insufficient funds")
	ErrInvalidInput      = errors.New("anchor: invalid input")

	// ErrAlreadyRegistered is the ledger's rejection of a second registration
	// for the same (batch, event type). Client reports it as success.
	ErrAlreadyRegistered = errors.New("anchor: already registered")
)

// Location is a fixed-point (microdegree) coordinate pair.
type Location struct {
	LatE6 int64 `json:"latE6"`
	LngE6 int64 `json:"lngE6"`
}

// LocationFrom converts optional stage coordinates into an anchor location.
func LocationFrom(c *domain.Coordinates) *Location {
	if c == nil {
		return nil
	}
	return &Location{LatE6: c.LatE6, LngE6: c.LngE6}
}

// Call is the contract invocation that registers one anchor.
type Call struct {
	EventType   string
	BatchID     string
	Location    Location
	ContentHash [32]byte
}

// Fees are the network fee parameters per resource unit.
type Fees struct {
	MaxFeePerUnit      uint64
	PriorityFeePerUnit uint64
}

// Transaction is a signed-ready submission.
type Transaction struct {
	Call
	ResourceLimit uint64
	Fees          Fees
}

// Event is an anchor event emitted by the ledger.
type Event struct {
	Name        string    `json:"name"`
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	BatchID     string    `json:"batchId"`
	ContentHash string    `json:"contentHash"`
	Location    Location  `json:"location"`
	TxID        string    `json:"txId"`
	Block       uint64    `json:"block"`
	Timestamp   time.Time `json:"timestamp"`
}

// Receipt describes a confirmed transaction.
type Receipt struct {
	TxID          string
	Block         uint64
	Confirmations int
	ResourceUsed  uint64
	Logs          []Event
}

// Chain is the ledger RPC surface driven by Client. Implementations must be
// safe for concurrent use; the handle is shared process-wide.
type Chain interface {
	EstimateCost(ctx context.Context, call Call) (uint64, error)
	FeeParams(ctx context.Context) (Fees, error)
	Send(ctx context.Context, tx Transaction) (txID string, err error)
	// WaitConfirmed blocks until txID has at least confirmations blocks on
	// top of it, or ctx is done.
	WaitConfirmed(ctx context.Context, txID string, confirmations int) (Receipt, error)
	// Events lists prior anchor events for batchID in ledger order.
	Events(ctx context.Context, batchID string) ([]Event, error)
}

// Request asks for one content hash to be anchored.
type Request struct {
	EventType   string
	BatchID     string
	Location    *Location
	ContentHash string
}

// Result is the durable ledger reference of an anchor.
type Result struct {
	TxID            string
	EventID         string
	ResourceUsed    uint64
	Attempts        int
	AlreadyAnchored bool
	// HashConflict is set with AlreadyAnchored when the ledger event for this
	// batch and event type carries a different content hash.
	HashConflict bool
}

// Anchorer is the two-method view of the ledger consumed by the services.
type Anchorer interface {
	Anchor(ctx context.Context, req Request) (*Result, error)
	History(ctx context.Context, batchID string) ([]Event, error)
}

// CertificateEventType returns the event type used for a certificate grade.
func CertificateEventType(grade string) string {
	return EventTypeCertificatePrefix + grade
}

// IsRetryable reports whether a chain error is worth another attempt.
// Unknown errors are treated as transient: the ledger's duplicate check makes
// a repeated registration harmless.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInvalidInput):
		return false
	default:
		return true
	}
}
