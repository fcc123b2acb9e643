package refund

import (
	"veilpay/core/types"
	"veilpay/native/gateway"
)

// RequestID uniquely identifies a queued refund. It is derived from the
// request content plus commit-time metadata, so no party can guess it before
// the queuing transaction commits.
type RequestID [32]byte

// RequestStatus is the lifecycle state of a refund request.
type RequestStatus uint8

const (
	RequestQueued RequestStatus = iota
	RequestExecuted
	RequestVoid
)

// Valid reports whether the status value is within the supported range.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestQueued, RequestExecuted, RequestVoid:
		return true
	default:
		return false
	}
}

// Request records a merchant-queued reversal of a specific payment. There is
// no amount anywhere in the request: execution replays the original payment's
// ciphertext in full.
type Request struct {
	ID        RequestID
	PaymentID gateway.PaymentID
	Payer     types.Address
	Merchant  types.Address
	QueuedAt  int64
	Status    RequestStatus
}

// Clone returns a copy of the request record.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
