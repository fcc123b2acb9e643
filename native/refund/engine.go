package refund

import (
	"encoding/binary"
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilpay/core/events"
	"veilpay/core/types"
	"veilpay/native/common"
	"veilpay/native/gateway"
)

var (
	errNilState   = errors.New("refund engine: state not configured")
	errNilGateway = errors.New("refund engine: gateway not configured")
	errNilCommits = errors.New("refund engine: commit source not configured")

	// ErrNotPaymentMerchant is returned when someone other than the payment's
	// recorded merchant attempts to queue a refund.
	ErrNotPaymentMerchant = errors.New("refund: caller is not the payment merchant")
	// ErrPayerMismatch is returned when the supplied payer does not match the
	// payment record.
	ErrPayerMismatch = errors.New("refund: payer does not match payment record")
	// ErrRequestNotFound is returned when a request id resolves to nothing.
	ErrRequestNotFound = errors.New("refund: request not found")
	// ErrRequestAlreadyExecuted is returned on a second execution attempt.
	ErrRequestAlreadyExecuted = errors.New("refund: request already executed")
	// ErrRequestVoid is returned when executing a voided request.
	ErrRequestVoid = errors.New("refund: request is void")
)

type engineState interface {
	Request(id RequestID) (*Request, bool)
	PutRequest(r *Request) error
}

// paymentGateway is the slice of the gateway the refund manager instructs. The
// manager holds no token-moving capability itself.
type paymentGateway interface {
	PaymentByID(id gateway.PaymentID) (*gateway.Payment, bool)
	ExecuteRefund(caller types.Address, id gateway.PaymentID) error
}

type refundEvent struct {
	evt *types.Event
}

func (e refundEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e refundEvent) Event() *types.Event { return e.evt }

// Engine queues and executes full-amount reversals of prior payments. self is
// the address the gateway admin has put on the refund-manager ACL; every
// downstream ExecuteRefund call identifies as it.
type Engine struct {
	state   engineState
	gateway paymentGateway
	emitter events.Emitter
	commits common.CommitSource
	self    types.Address
}

// NewEngine creates a refund engine with a no-op emitter.
func NewEngine(self types.Address) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		self:    self,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGateway configures the payment gateway the engine instructs.
func (e *Engine) SetGateway(gw paymentGateway) { e.gateway = gw }

// SetCommitSource configures the commit metadata source used for request id
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

// ManagerAddress returns the address this engine uses when calling into the
// gateway's refund entry point.
func (e *Engine) ManagerAddress() types.Address { return e.self }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(refundEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.gateway == nil {
		return errNilGateway
	}
	if e.commits == nil {
		return errNilCommits
	}
	return nil
}

func deriveRequestID(paymentID gateway.PaymentID, payer, merchant types.Address, meta common.CommitMeta) RequestID {
	var ts, sequence [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(meta.Timestamp))
	binary.BigEndian.PutUint64(sequence[:], meta.Sequence)
	sum := ethcrypto.Keccak256Hash(
		[]byte("veilpay/refund-request"),
		paymentID[:], payer[:], merchant[:],
		ts[:], sequence[:],
	)
	return RequestID(sum)
}

// QueueRefund records a reversal request for a prior payment. Only the
// payment's merchant may queue; the payment must exist and not already be
// refunded. The returned id is unique per queuing event: two queue calls for
// the same payment in the same block still consume distinct commit sequence
// numbers.
func (e *Engine) QueueRefund(caller types.Address, paymentID gateway.PaymentID, payer types.Address) (RequestID, error) {
	if err := e.ready(); err != nil {
		return RequestID{}, err
	}
	payment, ok := e.gateway.PaymentByID(paymentID)
	if !ok {
		return RequestID{}, gateway.ErrPaymentNotFound
	}
	if payment.Refunded {
		return RequestID{}, gateway.ErrAlreadyRefunded
	}
	if caller != payment.Merchant {
		return RequestID{}, ErrNotPaymentMerchant
	}
	if payer != payment.Payer {
		return RequestID{}, ErrPayerMismatch
	}
	meta := e.commits.Next()
	request := &Request{
		ID:        deriveRequestID(paymentID, payer, payment.Merchant, meta),
		PaymentID: paymentID,
		Payer:     payer,
		Merchant:  payment.Merchant,
		QueuedAt:  meta.Timestamp,
		Status:    RequestQueued,
	}
	if err := e.state.PutRequest(request); err != nil {
		return RequestID{}, err
	}
	e.emit(NewQueuedEvent(request))
	return request.ID, nil
}

// RequestByID returns a copy of the stored request record.
func (e *Engine) RequestByID(id RequestID) (*Request, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	request, ok := e.state.Request(id)
	if !ok {
		return nil, false
	}
	return request.Clone(), true
}

// ProcessQueuedRefund executes a queued request. Any caller may trigger
// execution: the request existing with Queued status is the gate, not the
// caller identity. Downstream failure (typically a missing merchant operator
// grant on the ledger) propagates as an error and leaves the request Queued
// for retry.
func (e *Engine) ProcessQueuedRefund(requestID RequestID) error {
	if err := e.ready(); err != nil {
		return err
	}
	request, ok := e.state.Request(requestID)
	if !ok {
		return ErrRequestNotFound
	}
	switch request.Status {
	case RequestExecuted:
		return ErrRequestAlreadyExecuted
	case RequestVoid:
		return ErrRequestVoid
	}
	if err := e.gateway.ExecuteRefund(e.self, request.PaymentID); err != nil {
		return err
	}
	request.Status = RequestExecuted
	if err := e.state.PutRequest(request); err != nil {
		return err
	}
	e.emit(NewExecutedEvent(requestID))
	return nil
}
