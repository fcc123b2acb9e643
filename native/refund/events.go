package refund

import (
	"encoding/hex"

	"veilpay/core/types"
)

const (
	EventTypeRefundQueued   = "refund.queued"
	EventTypeRefundExecuted = "refund.executed"
)

// NewQueuedEvent returns the canonical payload for a freshly queued refund
// request.
func NewQueuedEvent(r *Request) *types.Event {
	if r == nil {
		return nil
	}
	return &types.Event{Type: EventTypeRefundQueued, Attributes: map[string]string{
		"requestId": "0x" + hex.EncodeToString(r.ID[:]),
		"paymentId": "0x" + hex.EncodeToString(r.PaymentID[:]),
		"payer":     r.Payer.Hex(),
		"merchant":  r.Merchant.Hex(),
	}}
}

// NewExecutedEvent returns the canonical payload emitted once a request has
// been executed downstream.
func NewExecutedEvent(id RequestID) *types.Event {
	return &types.Event{Type: EventTypeRefundExecuted, Attributes: map[string]string{
		"requestId": "0x" + hex.EncodeToString(id[:]),
	}}
}
