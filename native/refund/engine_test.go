package refund_test

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
	"veilpay/native/refund"
	"veilpay/state/memory"
)

const testAsset = "VUSD"

type fixture struct {
	arith       *confidential.PlainEngine
	clock       *common.Clock
	ledgerState *memory.LedgerState
	ledgerEng   *ledger.Engine
	gatewayEng  *gateway.Engine
	refundEng   *refund.Engine
	admin       types.Address
	gwAddr      types.Address
	manager     types.Address
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
		manager:     types.Address{0x4F},
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

	f.refundEng = refund.NewEngine(f.manager)
	f.refundEng.SetState(memory.NewRefundState())
	f.refundEng.SetGateway(f.gatewayEng)
	f.refundEng.SetCommitSource(f.clock)

	if err := f.gatewayEng.SetAcceptedAsset(f.admin, testAsset, true); err != nil {
		t.Fatalf("accept asset: %v", err)
	}
	if err := f.gatewayEng.SetRefundManager(f.admin, f.manager, true); err != nil {
		t.Fatalf("allow manager: %v", err)
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

func (f *fixture) pay(t *testing.T, payerKey *ecdsa.PrivateKey, payer, merchant types.Address, amount int64, memo string) gateway.PaymentID {
	t.Helper()
	handle, err := f.arith.Encrypt(big.NewInt(amount))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	proof, err := confidential.Prove(payerKey, handle, payer, ledger.TransferDomain(testAsset))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	id, err := f.gatewayEng.ProcessPayment(payer, merchant, testAsset, handle, proof, memo, "")
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	return id
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

func TestQueueRefundValidation(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	_, merchant := newKey(t)
	_, stranger := newKey(t)
	f.deposit(t, payer, 10_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("payer grant: %v", err)
	}
	id := f.pay(t, payerKey, payer, merchant, 5_000, "order-1")

	if _, err := f.refundEng.QueueRefund(merchant, gateway.PaymentID{0x99}, payer); !errors.Is(err, gateway.ErrPaymentNotFound) {
		t.Fatalf("unknown payment: %v", err)
	}
	if _, err := f.refundEng.QueueRefund(stranger, id, payer); !errors.Is(err, refund.ErrNotPaymentMerchant) {
		t.Fatalf("stranger queued: %v", err)
	}
	if _, err := f.refundEng.QueueRefund(merchant, id, stranger); !errors.Is(err, refund.ErrPayerMismatch) {
		t.Fatalf("wrong payer accepted: %v", err)
	}

	requestID, err := f.refundEng.QueueRefund(merchant, id, payer)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	request, ok := f.refundEng.RequestByID(requestID)
	if !ok || request.Status != refund.RequestQueued {
		t.Fatalf("request not queued")
	}
}

func TestQueueRefundIDsUniquePerCommit(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	_, merchant := newKey(t)
	f.deposit(t, payer, 10_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("payer grant: %v", err)
	}
	id := f.pay(t, payerKey, payer, merchant, 5_000, "order-1")

	// Same payment, same block, same timestamp: the commit sequence alone
	// must separate the two request ids.
	first, err := f.refundEng.QueueRefund(merchant, id, payer)
	if err != nil {
		t.Fatalf("first queue: %v", err)
	}
	second, err := f.refundEng.QueueRefund(merchant, id, payer)
	if err != nil {
		t.Fatalf("second queue: %v", err)
	}
	if first == second {
		t.Fatalf("request ids collided")
	}
}

func TestProcessQueuedRefundRetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	_, merchant := newKey(t)
	f.deposit(t, payer, 10_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("payer grant: %v", err)
	}
	id := f.pay(t, payerKey, payer, merchant, 5_000, "order-1")

	requestID, err := f.refundEng.QueueRefund(merchant, id, payer)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	if err := f.refundEng.ProcessQueuedRefund(refund.RequestID{0x01}); !errors.Is(err, refund.ErrRequestNotFound) {
		t.Fatalf("unknown request: %v", err)
	}

	// Merchant has not granted the gateway operator rights: execution fails
	// loudly and the request stays queued for retry.
	if err := f.refundEng.ProcessQueuedRefund(requestID); !errors.Is(err, ledger.ErrUnauthorizedOperator) {
		t.Fatalf("expected operator failure: %v", err)
	}
	request, _ := f.refundEng.RequestByID(requestID)
	if request.Status != refund.RequestQueued {
		t.Fatalf("failed execution changed status: %d", request.Status)
	}

	if err := f.ledgerEng.SetOperator(merchant, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("merchant grant: %v", err)
	}
	if err := f.refundEng.ProcessQueuedRefund(requestID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	request, _ = f.refundEng.RequestByID(requestID)
	if request.Status != refund.RequestExecuted {
		t.Fatalf("request not executed")
	}
}

func TestQueueRefundAfterRefundRejected(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	_, merchant := newKey(t)
	f.deposit(t, payer, 10_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("payer grant: %v", err)
	}
	if err := f.ledgerEng.SetOperator(merchant, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("merchant grant: %v", err)
	}
	id := f.pay(t, payerKey, payer, merchant, 5_000, "order-1")

	requestID, err := f.refundEng.QueueRefund(merchant, id, payer)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := f.refundEng.ProcessQueuedRefund(requestID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := f.refundEng.QueueRefund(merchant, id, payer); !errors.Is(err, gateway.ErrAlreadyRefunded) {
		t.Fatalf("re-queue of refunded payment: %v", err)
	}
}

func TestEndToEndPaymentAndRefund(t *testing.T) {
	f := newFixture(t)
	payerKey, payer := newKey(t)
	merchantKey, merchant := newKey(t)

	f.deposit(t, payer, 1_000_000)
	if err := f.gatewayEng.RegisterMerchant(f.admin, merchant); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.ledgerEng.SetOperator(payer, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("payer grant: %v", err)
	}

	id := f.pay(t, payerKey, payer, merchant, 5_000, "order-e2e")
	if got := f.decryptBalance(t, payerKey, payer); got.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("payer balance = %s, want 995000", got)
	}
	if got := f.decryptBalance(t, merchantKey, merchant); got.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("merchant balance = %s, want 5000", got)
	}

	if err := f.ledgerEng.SetOperator(merchant, f.gwAddr, f.now+3600); err != nil {
		t.Fatalf("merchant grant: %v", err)
	}
	requestID, err := f.refundEng.QueueRefund(merchant, id, payer)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := f.refundEng.ProcessQueuedRefund(requestID); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := f.decryptBalance(t, payerKey, payer); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("payer balance = %s, want 1000000", got)
	}
	if got := f.decryptBalance(t, merchantKey, merchant); got.Sign() != 0 {
		t.Fatalf("merchant balance = %s, want 0", got)
	}
	payment, _ := f.gatewayEng.PaymentByID(id)
	if !payment.Refunded {
		t.Fatalf("payment not marked refunded")
	}
	if err := f.refundEng.ProcessQueuedRefund(requestID); !errors.Is(err, refund.ErrRequestAlreadyExecuted) {
		t.Fatalf("second execution: %v", err)
	}
}
