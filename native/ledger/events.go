package ledger

import (
	"strconv"

	"veilpay/core/types"
)

const (
	EventTypeDeposited   = "ledger.deposited"
	EventTypeWithdrawn   = "ledger.withdrawn"
	EventTypeTransferred = "ledger.transferred"
	EventTypeOperatorSet = "ledger.operator_set"
)

// NewDepositedEvent returns the canonical payload for a completed deposit.
// The deposited amount is public by construction (it left a public balance)
// and therefore appears in the event.
func NewDepositedEvent(account types.Address, asset, amount string) *types.Event {
	return &types.Event{Type: EventTypeDeposited, Attributes: map[string]string{
		"account": account.Hex(),
		"asset":   asset,
		"amount":  amount,
	}}
}

// NewWithdrawnEvent returns the canonical payload for a completed withdrawal.
func NewWithdrawnEvent(account types.Address, asset string) *types.Event {
	return &types.Event{Type: EventTypeWithdrawn, Attributes: map[string]string{
		"account": account.Hex(),
		"asset":   asset,
	}}
}

// NewTransferredEvent returns the canonical payload for an encrypted transfer.
// The amount never appears: observers learn only that a transfer between the
// two parties was attempted, not whether or how much value moved.
func NewTransferredEvent(from, to types.Address, asset string) *types.Event {
	return &types.Event{Type: EventTypeTransferred, Attributes: map[string]string{
		"from":  from.Hex(),
		"to":    to.Hex(),
		"asset": asset,
	}}
}

// NewOperatorSetEvent returns the canonical payload for an operator grant
// update. Expiry is plaintext; grants are configuration, not value.
func NewOperatorSetEvent(owner, delegate types.Address, expiresAt int64) *types.Event {
	return &types.Event{Type: EventTypeOperatorSet, Attributes: map[string]string{
		"owner":     owner.Hex(),
		"delegate":  delegate.Hex(),
		"expiresAt": strconv.FormatInt(expiresAt, 10),
	}}
}
