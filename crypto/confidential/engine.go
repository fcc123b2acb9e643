package confidential

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilpay/core/types"
)

var (
	// ErrUnknownHandle is returned when a handle does not reference a
	// ciphertext known to the engine.
	ErrUnknownHandle = errors.New("confidential: unknown ciphertext handle")
	// ErrInvalidProof is returned when a ciphertext proof does not bind the
	// handle to the claimed sender and domain.
	ErrInvalidProof = errors.New("confidential: invalid ciphertext proof")
	// ErrAuthExpired is returned when a decryption authorization has lapsed.
	ErrAuthExpired = errors.New("confidential: decryption authorization expired")
	// ErrAuthInvalid is returned when a decryption authorization signature
	// does not recover to the authorizing account.
	ErrAuthInvalid = errors.New("confidential: decryption authorization invalid")
)

// Handle is an opaque reference to an encrypted amount. All arithmetic on a
// handle is performed by an Engine; the components holding handles never see
// plaintext. The zero handle denotes an encryption of zero.
type Handle [32]byte

// ZeroHandle references the canonical encryption of zero.
var ZeroHandle Handle

// Hex returns the 0x-prefixed hex encoding of the handle.
func (h Handle) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// ParseHandle decodes a hex string produced by Handle.Hex.
func ParseHandle(s string) (Handle, error) {
	trimmed := s
	if len(trimmed) >= 2 && trimmed[:2] == "0x" {
		trimmed = trimmed[2:]
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 32 {
		return Handle{}, errors.New("confidential: malformed handle encoding")
	}
	var h Handle
	copy(h[:], raw)
	return h, nil
}

// DecryptAuth is a time-bounded, account-issued authorization permitting a
// decryption oracle to reveal ciphertexts belonging to that account on a
// specific ledger. The signature covers AuthDigest(account, ledgerRef,
// expiresAt) and must recover to the authorizing account's key.
type DecryptAuth struct {
	Account   types.Address
	LedgerRef types.Address
	ExpiresAt int64
	Signature []byte
}

// AuthDigest computes the digest signed by a decryption authorization.
func AuthDigest(account, ledgerRef types.Address, expiresAt int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiresAt))
	sum := ethcrypto.Keccak256Hash([]byte("veilpay/decrypt-auth"), account[:], ledgerRef[:], ts[:])
	return [32]byte(sum)
}

// Engine performs arithmetic over opaque ciphertext handles. Implementations
// must never reveal a plaintext except through an authorized Decrypt call.
type Engine interface {
	// Encrypt produces a fresh ciphertext of amount. Two encryptions of the
	// same amount yield distinct handles.
	Encrypt(amount *big.Int) (Handle, error)
	// Add returns a handle for a+b.
	Add(a, b Handle) (Handle, error)
	// Sub returns a handle for a-b. The caller is responsible for ensuring
	// non-negativity, typically via IsGE and Select.
	Sub(a, b Handle) (Handle, error)
	// IsGE returns an encrypted boolean handle for a >= b.
	IsGE(a, b Handle) (Handle, error)
	// Select returns ifTrue when the encrypted condition holds, otherwise
	// ifFalse, without revealing the condition.
	Select(cond, ifTrue, ifFalse Handle) (Handle, error)
	// VerifyProof checks that proof binds h to the sender and domain it was
	// produced for. Returns ErrInvalidProof on any mismatch.
	VerifyProof(h Handle, sender types.Address, domain [32]byte, proof []byte) error
	// Decrypt reveals the plaintext behind h under a valid, unexpired
	// authorization from the account entitled to see it.
	Decrypt(h Handle, auth DecryptAuth) (*big.Int, error)
}

// VerifyAuth validates a decryption authorization against the given time.
// It is shared by engine implementations and by off-chain relayers that need
// to pre-check an authorization before forwarding it.
func VerifyAuth(auth DecryptAuth, now int64) error {
	if auth.ExpiresAt <= now {
		return ErrAuthExpired
	}
	digest := AuthDigest(auth.Account, auth.LedgerRef, auth.ExpiresAt)
	pub, err := ethcrypto.SigToPub(digest[:], auth.Signature)
	if err != nil {
		return ErrAuthInvalid
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if types.Address(recovered) != auth.Account {
		return ErrAuthInvalid
	}
	return nil
}
