package gateway_test

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilpay/core/types"
	"veilpay/crypto/confidential"
	"veilpay/native/common"
	"veilpay/native/gateway"
	"veilpay/native/ledger"
	"veilpay/state/memory"
)

const testAsset = "VUSD"

type fixture struct {
	arith       *confidential.PlainEngine
	clock       *common.Clock
	ledgerState *memory.LedgerState
	ledgerEng   *ledger.Engine
	gatewayEng  *gateway.Engine
	admin       types.Address
	gwAddr      types.Address
	vault       types.Address
	now         int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		arith:       confidential.NewPlainEngine(),
		clock:       common.NewClock(),
		ledgerState: memory.NewLedgerState(),
		admin:       types.Address{0xAD},
		gwAddr:      types.Address{0x6A},
		vault:       types.Address{0xFE},
		now:         1_700_000_000,
	}
	f.clock.SetNowFunc(func() int64 { return f.now })
	f.arith.SetNowFunc(func() int64 { return f.now })

	f.ledgerEng = ledger.NewEngine(f.vault)
	f.ledgerEng.SetState(f.ledgerState)
	f.ledgerEng.SetArithmetic(f.arith)
	f.ledgerEng.SetNowFunc(func() int64 { return f.now })

	f.gatewayEng = gateway.NewEngine(f.admin, f.gwAddr)
	f.gatewayEng.SetState(memory.NewGatewayState())
	f.gatewayEng.SetLedger(f.ledgerEng)
	f.gatewayEng.SetCommitSource(f.clock)

	if err := f.gatewayEng.SetAcceptedAsset(f.admin, testAsset, true); err != nil {
		t.Fatalf("accept asset: %v", err)
	}
	return f
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, types.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, types.Address(ethcrypto.PubkeyToAddress(key.PublicKey))
}

func (f *fixture) deposit(t *testing.T, account types.Address, amount int64) {
	t.Helper()
	if err := f.ledgerState.SetPublicBalance(testAsset, account, big.NewInt(amount)); err != nil {
		t.Fatalf("set public balance: %v", err)
	}
	if err := f.ledgerState.SetAllowance(testAsset, account, f.vault, big.NewInt(amount)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	if err := f.ledgerEng.Deposit(testAsset, account, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) encryptWithProof(t *testing.T, key *ecdsa.PrivateKey, sender types.Address, amount int64) (confidential.Handle, []byte) {
	t.Helper()
	handle, err := f.arith.Encrypt(big.NewInt(amount))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	proof, err := confidential.Prove(key, handle, sender, ledger.TransferDomain(testAsset))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	return handle, proof
}

func (f *fixture) decryptBalance(t *testing.T, key *ecdsa.PrivateKey, account types.Address) *big.Int {
	t.Helper()
	handle, err := f.ledgerEng.EncryptedBalanceOf(testAsset, account)
	if err != nil {
		t.Fatalf("balance handle: %v", err)
	}
	auth, err := confidential.SignAuth(key, f.vault, f.now+600)
	if err != nil {
		t.Fatalf("sign auth: %v", err)
	}
	amount, err := f.arith.Decrypt(handle, auth)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	return amount
}

func TestRegisterMerchant(t *testing.T) {
	f := newFixture(t)
	_, merchant := newKey(t)

	if err := f.gatewayEng.RegisterMerchant(merchant, merchant); !errors.Is(err, gateway.ErrNotGatewayAdmin) {
		t.Fatalf("non-admin registration: %v", err)
	}
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Re-registration is a no-op success.
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !f.gatewayEng.IsMerchant(merchant) {
		t.Fatalf("merchant not recorded")
	}
}

func TestProcessPaymentValidation(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	_, merchant := newKey(t)
	f.deposit(t, payer, 10_000)

	handle, proof := f.encryptWithProof(t, payerKey, payer, 5_000)
	_, err := f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle, proof, "order-1", "")
	if !errors.Is(err, gateway.ErrMerchantNotRegistered) {
		t.Fatalf("unregistered merchant: %v", err)
	}

	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = f.gatewayEng.ProcessPayment(payer, merchant, "OTHER", handle, proof, "order-1", "")
	if !errors.Is(err, gateway.ErrAssetNotAccepted) {
		t.Fatalf("unlisted asset: %v", err)
	}

	// Payer never granted the gateway operator rights.
	_, err = f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle, proof, "order-1", "")
	if !errors.Is(err, ledger.ErrUnauthorizedOperator) {
		t.Fatalf("missing operator grant: %v", err)
	}
}

func TestProcessPaymentSettles(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	merchantKey, merchant := newKey(t)
	f.deposit(t, payer, 1_000_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("grant operator: %v", err)
	}

	handle, proof := f.encryptWithProof(t, payerKey, payer, 5_000)
	id, err := f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle, proof, "order-42", "sku-7")
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}

	payment, ok := f.gatewayEng.PaymentByID(id)
	if !ok {
		t.Fatalf("payment not recorded")
	}
	if payment.Refunded {
		t.Fatalf("fresh payment marked refunded")
	}
	if payment.Merchant != merchant || payment.Payer != payer {
		t.Fatalf("payment parties wrong")
	}
	if payment.AmountHandle != handle {
		t.Fatalf("payment did not record the settled ciphertext")
	}

	if got := f.decryptBalance(t, payerKey, payer); got.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("payer balance = %s, want 995000", got)
	}
	if got := f.decryptBalance(t, merchantKey, merchant); got.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("merchant balance = %s, want 5000", got)
	}
}

func TestProcessPaymentRecordsSilentNoop(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	merchantKey, merchant := newKey(t)
	f.deposit(t, payer, 1_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("grant operator: %v", err)
	}

	// Amount exceeds the payer's balance. The gateway cannot know that and
	// must behave exactly as on a funded payment.
	handle, proof := f.encryptWithProof(t, payerKey, payer, 9_999_999)
	id, err := f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle, proof, "order-43", "")
	if err != nil {
		t.Fatalf("silent no-op payment errored: %v", err)
	}
	if _, ok := f.gatewayEng.PaymentByID(id); !ok {
		t.Fatalf("no-op payment not recorded")
	}
	if got := f.decryptBalance(t, payerKey, payer); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("payer balance moved: %s", got)
	}
	if got := f.decryptBalance(t, merchantKey, merchant); got.Sign() != 0 {
		t.Fatalf("merchant balance moved: %s", got)
	}
}

func TestPaymentIDsUnpredictable(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	_, merchant := newKey(t)
	f.deposit(t, payer, 100_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("grant operator: %v", err)
	}

	// Identical payloads in the same block still yield distinct ids because
	// each commit consumes a fresh sequence number.
	handle1, proof1 := f.encryptWithProof(t, payerKey, payer, 100)
	handle2, proof2 := f.encryptWithProof(t, payerKey, payer, 100)
	id1, err := f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle1, proof1, "memo", "")
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	id2, err := f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle2, proof2, "memo", "")
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("payment ids collided")
	}
}

func TestExecuteRefund(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	merchantKey, merchant := newKey(t)
	_, manager := newKey(t)
	f.deposit(t, payer, 10_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("payer grant: %v", err)
	}

	handle, proof := f.encryptWithProof(t, payerKey, payer, 5_000)
	id, err := f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle, proof, "order-1", "")
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}

	if err := f.gatewayEng.ExecuteRefund(manager, id); !errors.Is(err, gateway.ErrRefundManagerNotAllowed) {
		t.Fatalf("unlisted manager: %v", err)
	}
	if err := f.gatewayEng.SetRefundManager(f.admin, manager, true); err != nil {
		t.Fatalf("allow manager: %v", err)
	}

	if err := f.gatewayEng.ExecuteRefund(manager, gateway.PaymentID{0x01}); !errors.Is(err, gateway.ErrPaymentNotFound) {
		t.Fatalf("unknown payment: %v", err)
	}

	// The merchant has not granted the gateway operator rights yet; the
	// ledger failure must propagate and the payment must stay refundable.
	if err := f.gatewayEng.ExecuteRefund(manager, id); !errors.Is(err, ledger.ErrUnauthorizedOperator) {
		t.Fatalf("missing merchant grant: %v", err)
	}
	if payment, _ := f.gatewayEng.PaymentByID(id); payment.Refunded {
		t.Fatalf("failed refund marked payment refunded")
	}

	if err := f.ledgerEng.SetOperator(merchant, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("merchant grant: %v", err)
	}
	if err := f.gatewayEng.ExecuteRefund(manager, id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if payment, _ := f.gatewayEng.PaymentByID(id); !payment.Refunded {
		t.Fatalf("payment not marked refunded")
	}
	if err := f.gatewayEng.ExecuteRefund(manager, id); !errors.Is(err, gateway.ErrAlreadyRefunded) {
		t.Fatalf("double refund: %v", err)
	}

	if got := f.decryptBalance(t, payerKey, payer); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("payer balance = %s, want 10000", got)
	}
	if got := f.decryptBalance(t, merchantKey, merchant); got.Sign() != 0 {
		t.Fatalf("merchant balance = %s, want 0", got)
	}
}
