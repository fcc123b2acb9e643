package confidential

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilpay/core/types"
)

// PlainEngine is a plaintext-backed Engine for development and tests. Handles
// are keccak-derived from a monotonic counter so repeated encryptions of the
// same amount produce distinct references, mirroring the freshness property of
// a real encryption backend. Plaintexts live only inside the engine.
type PlainEngine struct {
	mu      sync.Mutex
	counter uint64
	values  map[Handle]*big.Int
	nowFn   func() int64
}

// NewPlainEngine constructs an empty plaintext engine.
func NewPlainEngine() *PlainEngine {
	return &PlainEngine{
		values: map[Handle]*big.Int{ZeroHandle: big.NewInt(0)},
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for authorization expiry checks.
// Primarily intended for tests.
func (p *PlainEngine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	p.mu.Lock()
	p.nowFn = now
	p.mu.Unlock()
}

func (p *PlainEngine) freshHandle() Handle {
	p.counter++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], p.counter)
	return Handle(ethcrypto.Keccak256Hash([]byte("veilpay/plain-ct"), seq[:]))
}

func (p *PlainEngine) store(v *big.Int) Handle {
	h := p.freshHandle()
	p.values[h] = new(big.Int).Set(v)
	return h
}

func (p *PlainEngine) load(h Handle) (*big.Int, error) {
	v, ok := p.values[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return v, nil
}

// Encrypt implements the Engine interface.
func (p *PlainEngine) Encrypt(amount *big.Int) (Handle, error) {
	if amount == nil || amount.Sign() < 0 {
		return Handle{}, errors.New("confidential: amount must be non-negative")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store(amount), nil
}

// Add implements the Engine interface.
func (p *PlainEngine) Add(a, b Handle) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	av, err := p.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := p.load(b)
	if err != nil {
		return Handle{}, err
	}
	return p.store(new(big.Int).Add(av, bv)), nil
}

// Sub implements the Engine interface.
func (p *PlainEngine) Sub(a, b Handle) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	av, err := p.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := p.load(b)
	if err != nil {
		return Handle{}, err
	}
	diff := new(big.Int).Sub(av, bv)
	if diff.Sign() < 0 {
		return Handle{}, fmt.Errorf("confidential: subtraction underflow")
	}
	return p.store(diff), nil
}

// IsGE implements the Engine interface.
func (p *PlainEngine) IsGE(a, b Handle) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	av, err := p.load(a)
	if err != nil {
		return Handle{}, err
	}
	bv, err := p.load(b)
	if err != nil {
		return Handle{}, err
	}
	bit := big.NewInt(0)
	if av.Cmp(bv) >= 0 {
		bit = big.NewInt(1)
	}
	return p.store(bit), nil
}

// Select implements the Engine interface.
func (p *PlainEngine) Select(cond, ifTrue, ifFalse Handle) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cv, err := p.load(cond)
	if err != nil {
		return Handle{}, err
	}
	chosen := ifFalse
	if cv.Sign() != 0 {
		chosen = ifTrue
	}
	v, err := p.load(chosen)
	if err != nil {
		return Handle{}, err
	}
	return p.store(v), nil
}

// ProofDigest computes the digest a ciphertext proof signs over.
func ProofDigest(h Handle, sender types.Address, domain [32]byte) [32]byte {
	sum := ethcrypto.Keccak256Hash([]byte("veilpay/ct-proof"), h[:], sender[:], domain[:])
	return [32]byte(sum)
}

// Prove produces a proof binding h to sender and domain using the sender's
// key. Real backends generate this client-side; the plain engine exposes it so
// tests and the dev tooling can mint valid proofs.
func Prove(priv *ecdsa.PrivateKey, h Handle, sender types.Address, domain [32]byte) ([]byte, error) {
	digest := ProofDigest(h, sender, domain)
	return ethcrypto.Sign(digest[:], priv)
}

// VerifyProof implements the Engine interface.
func (p *PlainEngine) VerifyProof(h Handle, sender types.Address, domain [32]byte, proof []byte) error {
	digest := ProofDigest(h, sender, domain)
	pub, err := ethcrypto.SigToPub(digest[:], proof)
	if err != nil {
		return ErrInvalidProof
	}
	if types.Address(ethcrypto.PubkeyToAddress(*pub)) != sender {
		return ErrInvalidProof
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.values[h]; !ok {
		return ErrInvalidProof
	}
	return nil
}

// Decrypt implements the Engine interface.
func (p *PlainEngine) Decrypt(h Handle, auth DecryptAuth) (*big.Int, error) {
	p.mu.Lock()
	now := p.nowFn()
	p.mu.Unlock()
	if err := VerifyAuth(auth, now); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.load(h)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(v), nil
}

// SignAuth issues a decryption authorization for the account controlled by
// priv, scoped to ledgerRef and valid until expiresAt. Exposed for tests and
// the dev oracle.
func SignAuth(priv *ecdsa.PrivateKey, ledgerRef types.Address, expiresAt int64) (DecryptAuth, error) {
	account := types.Address(ethcrypto.PubkeyToAddress(priv.PublicKey))
	digest := AuthDigest(account, ledgerRef, expiresAt)
	sig, err := ethcrypto.Sign(digest[:], priv)
	if err != nil {
		return DecryptAuth{}, err
	}
	return DecryptAuth{Account: account, LedgerRef: ledgerRef, ExpiresAt: expiresAt, Signature: sig}, nil
}
