package gateway

import (
	"encoding/hex"

	"veilpay/core/types"
)

const (
	EventTypeMerchantRegistered = "gateway.merchant_registered"
	EventTypeAssetAccepted      = "gateway.asset_accepted"
	EventTypePaymentProcessed   = "gateway.payment_processed"
	EventTypeRefundExecuted     = "gateway.refund_executed"
)

// NewMerchantRegisteredEvent returns the payload for a first-time merchant
// registration. Re-registrations are silent no-ops and emit nothing.
func NewMerchantRegisteredEvent(m *Merchant) *types.Event {
	if m == nil {
		return nil
	}
	return &types.Event{Type: EventTypeMerchantRegistered, Attributes: map[string]string{
		"merchant": m.Address.Hex(),
	}}
}

// NewAssetAcceptedEvent returns the payload for an accepted-asset list change.
func NewAssetAcceptedEvent(asset string, accepted bool) *types.Event {
	status := "false"
	if accepted {
		status = "true"
	}
	return &types.Event{Type: EventTypeAssetAccepted, Attributes: map[string]string{
		"asset":    asset,
		"accepted": status,
	}}
}

// NewPaymentProcessedEvent returns the payload emitted for every recorded
// payment. The amount never appears; the id is the only correlation point for
// off-chain verification.
func NewPaymentProcessedEvent(p *Payment) *types.Event {
	if p == nil {
		return nil
	}
	return &types.Event{Type: EventTypePaymentProcessed, Attributes: map[string]string{
		"paymentId": "0x" + hex.EncodeToString(p.ID[:]),
		"merchant":  p.Merchant.Hex(),
	}}
}

// NewRefundExecutedEvent returns the payload emitted when a payment is marked
// refunded.
func NewRefundExecutedEvent(id PaymentID) *types.Event {
	return &types.Event{Type: EventTypeRefundExecuted, Attributes: map[string]string{
		"paymentId": "0x" + hex.EncodeToString(id[:]),
	}}
}
