package gateway

import (
	"veilpay/core/types"
	"veilpay/crypto/confidential"
)

// PaymentID uniquely identifies a processed payment. It is derived from the
// payment content plus commit-time block metadata, so it cannot be computed
// before the owning transaction commits.
type PaymentID [32]byte

// Merchant is a registered payee. Registration is append-only in the core;
// deregistration is handled by surrounding tooling.
type Merchant struct {
	Address      types.Address
	RegisteredAt int64
}

// Clone returns a copy of the merchant record.
func (m *Merchant) Clone() *Merchant {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// Payment records a processed encrypted payment. AmountHandle is the exact
// ciphertext that moved (or silently failed to move) on the ledger; a refund
// reuses it verbatim, which is what makes full-amount reversal possible
// without ever re-stating the amount.
type Payment struct {
	ID           PaymentID
	Merchant     types.Address
	Payer        types.Address
	Asset        string
	AmountHandle confidential.Handle
	Memo         string
	ProductRef   string
	CreatedAt    int64
	Refunded     bool
}

// Clone returns a deep copy of the payment record.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
