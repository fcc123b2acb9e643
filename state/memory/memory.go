// Package memory provides in-memory keyed stores satisfying the state
// interfaces of the native engines. Each component owns its store; nothing
// here is shared global state. The stores back unit tests and single-process
// development deployments.
package memory

import (
	"math/big"
	"sync"

	"veilpay/core/types"
	"veilpay/crypto/confidential"
	"veilpay/native/gateway"
	"veilpay/native/ledger"
	"veilpay/native/refund"
)

type balanceKey struct {
	asset string
	addr  types.Address
}

type grantKey struct {
	owner    types.Address
	delegate types.Address
}

type allowanceKey struct {
	asset   string
	owner   types.Address
	spender types.Address
}

// LedgerState holds encrypted balances, operator grants and the public token
// backing for the ledger engine.
type LedgerState struct {
	mu         sync.RWMutex
	encrypted  map[balanceKey]confidential.Handle
	grants     map[grantKey]*ledger.OperatorGrant
	public     map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

// NewLedgerState constructs an empty ledger state.
func NewLedgerState() *LedgerState {
	return &LedgerState{
		encrypted:  make(map[balanceKey]confidential.Handle),
		grants:     make(map[grantKey]*ledger.OperatorGrant),
		public:     make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (s *LedgerState) EncryptedBalance(asset string, addr types.Address) (confidential.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.encrypted[balanceKey{asset, addr}]
	return h, ok
}

func (s *LedgerState) PutEncryptedBalance(asset string, addr types.Address, h confidential.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encrypted[balanceKey{asset, addr}] = h
	return nil
}

func (s *LedgerState) OperatorGrant(owner, delegate types.Address) (*ledger.OperatorGrant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grant, ok := s.grants[grantKey{owner, delegate}]
	if !ok {
		return nil, false
	}
	return grant.Clone(), true
}

func (s *LedgerState) PutOperatorGrant(grant *ledger.OperatorGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey{grant.Owner, grant.Delegate}] = grant.Clone()
	return nil
}

func (s *LedgerState) PublicBalance(asset string, addr types.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.public[balanceKey{asset, addr}]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (s *LedgerState) SetPublicBalance(asset string, addr types.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.public[balanceKey{asset, addr}] = new(big.Int).Set(amount)
	return nil
}

func (s *LedgerState) Allowance(asset string, owner, spender types.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.allowances[allowanceKey{asset, owner, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (s *LedgerState) SetAllowance(asset string, owner, spender types.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// GatewayState holds merchants, payments, the accepted-asset list and the
// refund-manager ACL for the gateway engine.
type GatewayState struct {
	mu        sync.RWMutex
	merchants map[types.Address]*gateway.Merchant
	payments  map[gateway.PaymentID]*gateway.Payment
	assets    map[string]bool
	managers  map[types.Address]bool
}

// NewGatewayState constructs an empty gateway state.
func NewGatewayState() *GatewayState {
	return &GatewayState{
		merchants: make(map[types.Address]*gateway.Merchant),
		payments:  make(map[gateway.PaymentID]*gateway.Payment),
		assets:    make(map[string]bool),
		managers:  make(map[types.Address]bool),
	}
}

func (s *GatewayState) Merchant(addr types.Address) (*gateway.Merchant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merchants[addr]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (s *GatewayState) PutMerchant(m *gateway.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[m.Address] = m.Clone()
	return nil
}

func (s *GatewayState) Payment(id gateway.PaymentID) (*gateway.Payment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *GatewayState) PutPayment(p *gateway.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *GatewayState) AssetAccepted(asset string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assets[asset]
}

func (s *GatewayState) SetAssetAccepted(asset string, accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset] = accepted
	return nil
}

func (s *GatewayState) RefundManagerAllowed(addr types.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.managers[addr]
}

func (s *GatewayState) SetRefundManagerAllowed(addr types.Address, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[addr] = allowed
	return nil
}

// RefundState holds queued refund requests for the refund engine.
type RefundState struct {
	mu       sync.RWMutex
	requests map[refund.RequestID]*refund.Request
}

// NewRefundState constructs an empty refund state.
func NewRefundState() *RefundState {
	return &RefundState{requests: make(map[refund.RequestID]*refund.Request)}
}

func (s *RefundState) Request(id refund.RequestID) (*refund.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (s *RefundState) PutRequest(r *refund.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r.Clone()
	return nil
}
