package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 20-byte account identifier on the settlement ledger.
type Address [20]byte

// ZeroAddress is the unset address value.
var ZeroAddress Address

// Hex returns the 0x-prefixed hex encoding of the address.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// ParseAddress decodes a 0x-prefixed or bare hex string into an Address.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return Address{}, fmt.Errorf("invalid address length %d", len(raw))
	}
	var addr Address
	copy(addr[:], raw)
	return addr, nil
}
