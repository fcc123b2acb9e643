package ledger

import (
	"fmt"
	"strings"

	"veilpay/core/types"
)

// OperatorGrant is a time-bounded delegation letting Delegate move Owner's
// encrypted balance. At most one grant exists per (owner, delegate) pair; a
// new SetOperator call overwrites it. A grant whose expiry is not in the
// future is inert.
type OperatorGrant struct {
	Owner     types.Address
	Delegate  types.Address
	ExpiresAt int64
}

// Active reports whether the grant authorizes the delegate at the given time.
func (g *OperatorGrant) Active(now int64) bool {
	if g == nil {
		return false
	}
	return g.ExpiresAt > now
}

// Clone returns a copy of the grant so callers can safely mutate it.
func (g *OperatorGrant) Clone() *OperatorGrant {
	if g == nil {
		return nil
	}
	clone := *g
	return &clone
}

// NormalizeAsset canonicalises an asset symbol to its uppercase form.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("ledger: empty asset symbol")
	}
	return trimmed, nil
}
