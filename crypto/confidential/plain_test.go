package confidential

import (
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilpay/core/types"
)

func testAuth(t *testing.T, engine *PlainEngine, expiresAt int64) (DecryptAuth, types.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := SignAuth(key, types.Address{0x01}, expiresAt)
	if err != nil {
		t.Fatalf("sign auth: %v", err)
	}
	return auth, auth.Account
}

func TestArithmeticRoundTrip(t *testing.T) {
	engine := NewPlainEngine()
	engine.SetNowFunc(func() int64 { return 1000 })
	auth, _ := testAuth(t, engine, 2000)

	a, err := engine.Encrypt(big.NewInt(700))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := engine.Encrypt(big.NewInt(300))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("fresh ciphertexts must have distinct handles")
	}

	sum, err := engine.Add(a, b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	diff, err := engine.Sub(a, b)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if v, _ := engine.Decrypt(sum, auth); v.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("sum = %s", v)
	}
	if v, _ := engine.Decrypt(diff, auth); v.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("diff = %s", v)
	}
}

func TestSelectFoldsComparison(t *testing.T) {
	engine := NewPlainEngine()
	engine.SetNowFunc(func() int64 { return 1000 })
	auth, _ := testAuth(t, engine, 2000)

	balance, _ := engine.Encrypt(big.NewInt(100))
	small, _ := engine.Encrypt(big.NewInt(40))
	large, _ := engine.Encrypt(big.NewInt(500))

	ge, err := engine.IsGE(balance, small)
	if err != nil {
		t.Fatalf("isGE: %v", err)
	}
	effective, err := engine.Select(ge, small, ZeroHandle)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if v, _ := engine.Decrypt(effective, auth); v.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("sufficient select = %s, want 40", v)
	}

	lt, err := engine.IsGE(balance, large)
	if err != nil {
		t.Fatalf("isGE: %v", err)
	}
	effective, err = engine.Select(lt, large, ZeroHandle)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if v, _ := engine.Decrypt(effective, auth); v.Sign() != 0 {
		t.Fatalf("insufficient select = %s, want 0", v)
	}
}

func TestProofBinding(t *testing.T) {
	engine := NewPlainEngine()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := types.Address(ethcrypto.PubkeyToAddress(key.PublicKey))
	var domain [32]byte
	domain[0] = 0xD0

	handle, _ := engine.Encrypt(big.NewInt(5))
	proof, err := Prove(key, handle, sender, domain)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if err := engine.VerifyProof(handle, sender, domain, proof); err != nil {
		t.Fatalf("valid proof rejected: %v", err)
	}

	var otherDomain [32]byte
	otherDomain[0] = 0xD1
	if err := engine.VerifyProof(handle, sender, otherDomain, proof); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("cross-domain proof accepted: %v", err)
	}
	other := types.Address{0x02}
	if err := engine.VerifyProof(handle, other, domain, proof); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("cross-sender proof accepted: %v", err)
	}
}

func TestDecryptAuthorization(t *testing.T) {
	engine := NewPlainEngine()
	engine.SetNowFunc(func() int64 { return 1000 })
	handle, _ := engine.Encrypt(big.NewInt(42))

	expired, _ := testAuth(t, engine, 999)
	if _, err := engine.Decrypt(handle, expired); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expired auth honored: %v", err)
	}

	valid, account := testAuth(t, engine, 2000)
	if _, err := engine.Decrypt(handle, valid); err != nil {
		t.Fatalf("valid auth rejected: %v", err)
	}

	// Claiming another account with a mismatched signature must fail.
	forged := valid
	forged.Account = types.Address{0xBA}
	if forged.Account == account {
		t.Fatalf("test accounts collided")
	}
	if _, err := engine.Decrypt(handle, forged); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("forged auth honored: %v", err)
	}
}
