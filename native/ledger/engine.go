package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilpay/core/events"
	"veilpay/core/types"
	"veilpay/crypto/confidential"
)

var (
	errNilState = errors.New("ledger engine: state not configured")
	errNilArith = errors.New("ledger engine: confidential engine not configured")

	// ErrInsufficientAllowance is returned when a deposit exceeds the public
	// allowance granted to the ledger vault.
	ErrInsufficientAllowance = errors.New("ledger: insufficient public allowance")
	// ErrInsufficientPublicBalance is returned when a deposit exceeds the
	// caller's public balance.
	ErrInsufficientPublicBalance = errors.New("ledger: insufficient public balance")
	// ErrUnauthorizedOperator is returned when the delegate has no active
	// grant from the balance owner. The check runs on the plaintext expiry
	// timestamp; it reveals configuration, never value.
	ErrUnauthorizedOperator = errors.New("ledger: unauthorized operator")
)

type engineState interface {
	EncryptedBalance(asset string, addr types.Address) (confidential.Handle, bool)
	PutEncryptedBalance(asset string, addr types.Address, h confidential.Handle) error
	OperatorGrant(owner, delegate types.Address) (*OperatorGrant, bool)
	PutOperatorGrant(grant *OperatorGrant) error
	PublicBalance(asset string, addr types.Address) (*big.Int, error)
	SetPublicBalance(asset string, addr types.Address, amount *big.Int) error
	Allowance(asset string, owner, spender types.Address) (*big.Int, error)
	SetAllowance(asset string, owner, spender types.Address, amount *big.Int) error
}

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

// Engine maintains one encrypted balance per (asset, account) backed 1:1 by
// public asset held in the ledger vault, plus the operator grant registry.
// All arithmetic over balances goes through the injected confidential engine;
// the ledger itself never observes a plaintext amount except during deposit
// and an owner-authorized withdrawal.
type Engine struct {
	state   engineState
	arith   confidential.Engine
	emitter events.Emitter
	vault   types.Address
	nowFn   func() int64
}

// NewEngine creates a ledger engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine(vault types.Address) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		vault:   vault,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetArithmetic configures the confidential arithmetic backend.
func (e *Engine) SetArithmetic(arith confidential.Engine) { e.arith = arith }

// SetNowFunc overrides the time source used for grant expiry checks.
// Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Vault returns the address holding the public backing for all encrypted
// balances.
func (e *Engine) Vault() types.Address { return e.vault }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(ledgerEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.arith == nil {
		return errNilArith
	}
	return nil
}

// TransferDomain computes the proof-binding domain for encrypted transfers of
// the given asset. Payers bind their ciphertext proofs to this value so a
// ciphertext submitted for one asset cannot be replayed against another.
func TransferDomain(asset string) [32]byte {
	sum := ethcrypto.Keccak256Hash([]byte("veilpay/ledger-transfer"), []byte(asset))
	return [32]byte(sum)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// EncryptedBalanceOf returns the current balance ciphertext handle for the
// account, or the zero handle when none exists. Only the owner (or a party
// the owner authorizes) can turn the handle into a number.
func (e *Engine) EncryptedBalanceOf(asset string, account types.Address) (confidential.Handle, error) {
	if err := e.ready(); err != nil {
		return confidential.Handle{}, err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return confidential.Handle{}, err
	}
	h, ok := e.state.EncryptedBalance(normalized, account)
	if !ok {
		return confidential.ZeroHandle, nil
	}
	return h, nil
}

// Deposit pulls amount of the public asset from account into the ledger vault
// and homomorphically adds a fresh encryption of amount to the account's
// encrypted balance, creating it at zero if absent.
func (e *Engine) Deposit(asset string, account types.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("ledger: deposit amount must be positive")
	}
	allowance, err := e.state.Allowance(normalized, account, e.vault)
	if err != nil {
		return err
	}
	if cloneBigInt(allowance).Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	public, err := e.state.PublicBalance(normalized, account)
	if err != nil {
		return err
	}
	if cloneBigInt(public).Cmp(amt) < 0 {
		return ErrInsufficientPublicBalance
	}
	if err := e.movePublic(normalized, account, e.vault, amt); err != nil {
		return err
	}
	if err := e.state.SetAllowance(normalized, account, e.vault, new(big.Int).Sub(cloneBigInt(allowance), amt)); err != nil {
		return err
	}
	fresh, err := e.arith.Encrypt(amt)
	if err != nil {
		return err
	}
	if err := e.creditEncrypted(normalized, account, fresh); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(account, normalized, amt.String()))
	return nil
}

// Withdraw unwinds encrypted balance back into the public asset. The decrement
// follows the same privacy contract as a transfer: the encrypted sufficiency
// check selects either the requested amount or zero, and the caller's own
// decryption authorization reveals which of the two the public payout is. An
// insufficient balance therefore yields a successful zero-value withdrawal,
// not an error.
func (e *Engine) Withdraw(asset string, account types.Address, amount *big.Int, auth confidential.DecryptAuth) error {
	if err := e.ready(); err != nil {
		return err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("ledger: withdraw amount must be positive")
	}
	if auth.Account != account {
		return confidential.ErrAuthInvalid
	}
	requested, err := e.arith.Encrypt(amt)
	if err != nil {
		return err
	}
	effective, err := e.debitEffective(normalized, account, requested)
	if err != nil {
		return err
	}
	revealed, err := e.arith.Decrypt(effective, auth)
	if err != nil {
		return err
	}
	if revealed.Sign() > 0 {
		if err := e.movePublic(normalized, e.vault, account, revealed); err != nil {
			return err
		}
	}
	e.emit(NewWithdrawnEvent(account, normalized))
	return nil
}

// Transfer moves an encrypted amount from the caller to another account. The
// proof must bind the ciphertext to the caller and the asset's transfer
// domain.
func (e *Engine) Transfer(from, to types.Address, asset string, amount confidential.Handle, proof []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := e.arith.VerifyProof(amount, from, TransferDomain(normalized), proof); err != nil {
		return err
	}
	return e.move(normalized, from, to, amount)
}

// TransferFrom moves an encrypted amount on behalf of from. The proof still
// binds the ciphertext to from (the party that produced it); the operator
// additionally needs an active grant from the balance owner.
func (e *Engine) TransferFrom(operator, from, to types.Address, asset string, amount confidential.Handle, proof []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := e.arith.VerifyProof(amount, from, TransferDomain(normalized), proof); err != nil {
		return err
	}
	if err := e.requireOperator(from, operator); err != nil {
		return err
	}
	return e.move(normalized, from, to, amount)
}

// OperatorTransfer moves a previously recorded ciphertext without a fresh
// proof. It exists for reversal flows that reuse the exact handle of an
// earlier transfer; callers are expected to gate access through their own
// authorization layer. The operator grant check still applies.
func (e *Engine) OperatorTransfer(operator, from, to types.Address, asset string, amount confidential.Handle) error {
	if err := e.ready(); err != nil {
		return err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := e.requireOperator(from, operator); err != nil {
		return err
	}
	return e.move(normalized, from, to, amount)
}

// SetOperator overwrites the grant for (owner, delegate). An expiry at or
// before the current time acts as revocation.
func (e *Engine) SetOperator(owner, delegate types.Address, expiresAt int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	grant := &OperatorGrant{Owner: owner, Delegate: delegate, ExpiresAt: expiresAt}
	if err := e.state.PutOperatorGrant(grant); err != nil {
		return err
	}
	e.emit(NewOperatorSetEvent(owner, delegate, expiresAt))
	return nil
}

// OperatorGrantOf returns the stored grant for (owner, delegate), if any.
func (e *Engine) OperatorGrantOf(owner, delegate types.Address) (*OperatorGrant, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	grant, ok := e.state.OperatorGrant(owner, delegate)
	if !ok {
		return nil, false
	}
	return grant.Clone(), true
}

func (e *Engine) requireOperator(owner, delegate types.Address) error {
	if owner == delegate {
		return nil
	}
	grant, ok := e.state.OperatorGrant(owner, delegate)
	if !ok || !grant.Active(e.now()) {
		return ErrUnauthorizedOperator
	}
	return nil
}

// move performs the encrypted balance mutation. Sufficiency is evaluated as an
// encrypted boolean and folded into the moved amount via select, so an
// insufficient attempt moves an encryption of zero and the call still
// succeeds. Control flow never branches on the comparison.
func (e *Engine) move(asset string, from, to types.Address, amount confidential.Handle) error {
	fromBal, ok := e.state.EncryptedBalance(asset, from)
	if !ok {
		fromBal = confidential.ZeroHandle
	}
	sufficient, err := e.arith.IsGE(fromBal, amount)
	if err != nil {
		return err
	}
	effective, err := e.arith.Select(sufficient, amount, confidential.ZeroHandle)
	if err != nil {
		return err
	}
	newFrom, err := e.arith.Sub(fromBal, effective)
	if err != nil {
		return err
	}
	if err := e.state.PutEncryptedBalance(asset, from, newFrom); err != nil {
		return err
	}
	if err := e.creditEncrypted(asset, to, effective); err != nil {
		return err
	}
	e.emit(NewTransferredEvent(from, to, asset))
	return nil
}

// debitEffective subtracts min(balance, requested) from the account and
// returns the handle of the amount actually debited.
func (e *Engine) debitEffective(asset string, account types.Address, requested confidential.Handle) (confidential.Handle, error) {
	balance, ok := e.state.EncryptedBalance(asset, account)
	if !ok {
		balance = confidential.ZeroHandle
	}
	sufficient, err := e.arith.IsGE(balance, requested)
	if err != nil {
		return confidential.Handle{}, err
	}
	effective, err := e.arith.Select(sufficient, requested, confidential.ZeroHandle)
	if err != nil {
		return confidential.Handle{}, err
	}
	newBalance, err := e.arith.Sub(balance, effective)
	if err != nil {
		return confidential.Handle{}, err
	}
	if err := e.state.PutEncryptedBalance(asset, account, newBalance); err != nil {
		return confidential.Handle{}, err
	}
	return effective, nil
}

func (e *Engine) creditEncrypted(asset string, account types.Address, amount confidential.Handle) error {
	balance, ok := e.state.EncryptedBalance(asset, account)
	if !ok {
		balance = confidential.ZeroHandle
	}
	updated, err := e.arith.Add(balance, amount)
	if err != nil {
		return err
	}
	return e.state.PutEncryptedBalance(asset, account, updated)
}

func (e *Engine) movePublic(asset string, from, to types.Address, amount *big.Int) error {
	fromBal, err := e.state.PublicBalance(asset, from)
	if err != nil {
		return err
	}
	toBal, err := e.state.PublicBalance(asset, to)
	if err != nil {
		return err
	}
	fromBal = cloneBigInt(fromBal)
	toBal = cloneBigInt(toBal)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientPublicBalance
	}
	if err := e.state.SetPublicBalance(asset, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return e.state.SetPublicBalance(asset, to, new(big.Int).Add(toBal, amount))
}
