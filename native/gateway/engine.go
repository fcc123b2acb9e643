package gateway

import (
	"encoding/binary"
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilpay/core/events"
	"veilpay/core/types"
	"veilpay/crypto/confidential"
	"veilpay/native/common"
	"veilpay/native/ledger"
)

var (
	errNilState   = errors.New("gateway engine: state not configured")
	errNilLedger  = errors.New("gateway engine: ledger not configured")
	errNilCommits = errors.New("gateway engine: commit source not configured")

	// ErrNotGatewayAdmin is returned when a non-admin invokes an admin-only
	// operation.
	ErrNotGatewayAdmin = errors.New("gateway: caller is not the gateway admin")
	// ErrMerchantNotRegistered is returned when a payment targets an unknown
	// merchant.
	ErrMerchantNotRegistered = errors.New("gateway: merchant not registered")
	// ErrAssetNotAccepted is returned when the payment asset is not on the
	// accepted list.
	ErrAssetNotAccepted = errors.New("gateway: asset not accepted")
	// ErrPaymentNotFound is returned when a payment id resolves to nothing.
	ErrPaymentNotFound = errors.New("gateway: payment not found")
	// ErrAlreadyRefunded is returned when a refund targets a payment that was
	// already reversed.
	ErrAlreadyRefunded = errors.New("gateway: payment already refunded")
	// ErrRefundManagerNotAllowed is returned when the refund entry point is
	// invoked by an address outside the admin-maintained ACL.
	ErrRefundManagerNotAllowed = errors.New("gateway: refund manager not allowed")
)

type engineState interface {
	Merchant(addr types.Address) (*Merchant, bool)
	PutMerchant(m *Merchant) error
	Payment(id PaymentID) (*Payment, bool)
	PutPayment(p *Payment) error
	AssetAccepted(asset string) bool
	SetAssetAccepted(asset string, accepted bool) error
	RefundManagerAllowed(addr types.Address) bool
	SetRefundManagerAllowed(addr types.Address, allowed bool) error
}

// settlementLedger is the slice of the confidential ledger the gateway drives.
// The gateway is the operator on both paths: payer-granted for payments,
// merchant-granted for refunds.
type settlementLedger interface {
	TransferFrom(operator, from, to types.Address, asset string, amount confidential.Handle, proof []byte) error
	OperatorTransfer(operator, from, to types.Address, asset string, amount confidential.Handle) error
}

type gatewayEvent struct {
	evt *types.Event
}

func (e gatewayEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e gatewayEvent) Event() *types.Event { return e.evt }

// Engine owns the merchant registry, the accepted-asset list, the payment
// store and the refund-manager ACL, and is the sole writer of ledger transfers
// on behalf of payers and merchants.
type Engine struct {
	state   engineState
	ledger  settlementLedger
	emitter events.Emitter
	commits common.CommitSource
	admin   types.Address
	self    types.Address
}

// NewEngine creates a gateway engine with a no-op emitter. self is the
// gateway's own ledger address, i.e. the delegate that payers and merchants
// grant operator rights to.
func NewEngine(admin, self types.Address) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		admin:   admin,
		self:    self,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the confidential ledger the engine settles against.
func (e *Engine) SetLedger(l settlementLedger) { e.ledger = l }

// SetCommitSource configures the commit metadata source used for payment id
// derivation.
func (e *Engine) SetCommitSource(src common.CommitSource) { e.commits = src }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// OperatorAddress returns the address payers and merchants must grant ledger
// operator rights to before the gateway can move their encrypted balances.
func (e *Engine) OperatorAddress() types.Address { return e.self }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(gatewayEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.commits == nil {
		return errNilCommits
	}
	return nil
}

// RegisterMerchant records a merchant address. Registering an existing
// merchant is a no-op success.
func (e *Engine) RegisterMerchant(caller, merchant types.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.admin {
		return ErrNotGatewayAdmin
	}
	if e.commits == nil {
		return errNilCommits
	}
	if _, ok := e.state.Merchant(merchant); ok {
		return nil
	}
	meta := e.commits.Next()
	record := &Merchant{Address: merchant, RegisteredAt: meta.Timestamp}
	if err := e.state.PutMerchant(record); err != nil {
		return err
	}
	e.emit(NewMerchantRegisteredEvent(record))
	return nil
}

// IsMerchant reports whether the address is registered.
func (e *Engine) IsMerchant(addr types.Address) bool {
	if e == nil || e.state == nil {
		return false
	}
	_, ok := e.state.Merchant(addr)
	return ok
}

// SetAcceptedAsset toggles an asset on the accepted list.
func (e *Engine) SetAcceptedAsset(caller types.Address, asset string, accepted bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.admin {
		return ErrNotGatewayAdmin
	}
	normalized, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := e.state.SetAssetAccepted(normalized, accepted); err != nil {
		return err
	}
	e.emit(NewAssetAcceptedEvent(normalized, accepted))
	return nil
}

// SetRefundManager toggles an address on the refund-manager ACL. Only allowed
// managers may invoke ExecuteRefund.
func (e *Engine) SetRefundManager(caller, manager types.Address, allowed bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.admin {
		return ErrNotGatewayAdmin
	}
	return e.state.SetRefundManagerAllowed(manager, allowed)
}

// derivePaymentID binds the payment content to the commit metadata so the id
// is unique and unknowable before the transaction commits.
func derivePaymentID(p *Payment, meta common.CommitMeta) PaymentID {
	var height, sequence [8]byte
	binary.BigEndian.PutUint64(height[:], meta.Height)
	binary.BigEndian.PutUint64(sequence[:], meta.Sequence)
	sum := ethcrypto.Keccak256Hash(
		[]byte("veilpay/payment"),
		p.Payer[:], p.Merchant[:],
		[]byte(p.Asset), p.AmountHandle[:],
		[]byte(p.Memo), []byte(p.ProductRef),
		height[:], sequence[:],
	)
	return PaymentID(sum)
}

// ProcessPayment settles an encrypted payment instruction from payer to
// merchant. The gateway must already hold an active operator grant from the
// payer; a missing or expired grant surfaces as the ledger's
// ErrUnauthorizedOperator.
//
// A payment is recorded and the processed event emitted whenever the ledger
// call succeeds, including when the transfer was a privacy-preserving silent
// no-op on insufficient payer funds. The return value deliberately does not
// distinguish the two outcomes; only a balance decryption can.
func (e *Engine) ProcessPayment(payer, merchant types.Address, asset string, amount confidential.Handle, proof []byte, memo, productRef string) (PaymentID, error) {
	if err := e.ready(); err != nil {
		return PaymentID{}, err
	}
	normalized, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return PaymentID{}, err
	}
	if _, ok := e.state.Merchant(merchant); !ok {
		return PaymentID{}, ErrMerchantNotRegistered
	}
	if !e.state.AssetAccepted(normalized) {
		return PaymentID{}, ErrAssetNotAccepted
	}
	if err := e.ledger.TransferFrom(e.self, payer, merchant, normalized, amount, proof); err != nil {
		return PaymentID{}, err
	}
	meta := e.commits.Next()
	payment := &Payment{
		Merchant:     merchant,
		Payer:        payer,
		Asset:        normalized,
		AmountHandle: amount,
		Memo:         memo,
		ProductRef:   productRef,
		CreatedAt:    meta.Timestamp,
	}
	payment.ID = derivePaymentID(payment, meta)
	if err := e.state.PutPayment(payment); err != nil {
		return PaymentID{}, err
	}
	e.emit(NewPaymentProcessedEvent(payment))
	return payment.ID, nil
}

// PaymentByID returns a copy of the stored payment record.
func (e *Engine) PaymentByID(id PaymentID) (*Payment, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	payment, ok := e.state.Payment(id)
	if !ok {
		return nil, false
	}
	return payment.Clone(), true
}

// ExecuteRefund reverses a recorded payment in full by replaying its exact
// amount ciphertext merchant to payer. Callable only by an ACL'd refund
// manager; the gateway must additionally hold an active operator grant from
// the merchant. The payment is marked refunded whenever the ledger call
// succeeds, with the same silent no-op caveat as ProcessPayment.
func (e *Engine) ExecuteRefund(caller types.Address, id PaymentID) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.state.RefundManagerAllowed(caller) {
		return ErrRefundManagerNotAllowed
	}
	payment, ok := e.state.Payment(id)
	if !ok {
		return ErrPaymentNotFound
	}
	if payment.Refunded {
		return ErrAlreadyRefunded
	}
	if err := e.ledger.OperatorTransfer(e.self, payment.Merchant, payment.Payer, payment.Asset, payment.AmountHandle); err != nil {
		return err
	}
	payment.Refunded = true
	if err := e.state.PutPayment(payment); err != nil {
		return err
	}
	e.emit(NewRefundExecutedEvent(id))
	return nil
}
