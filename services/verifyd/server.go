package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veilpay/core/types"
	"veilpay/crypto/confidential"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Rejection reasons surfaced to callers. All are deterministic and
// recoverable: retry with a fresh signature or a larger payment.
const (
	ReasonPaymentNotFound  = "payment_not_found"
	ReasonSignatureExpired = "signature_expired"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonAmountTooLow     = "amount_too_low"
	ReasonMerchantMismatch = "merchant_mismatch"
	ReasonResourceMismatch = "resource_mismatch"
)

var errSessionCapacity = errors.New("verifyd: session store at capacity")

// Server exposes the verification HTTP surface: session management for
// resource servers and the verify endpoint that turns an encrypted on-ledger
// transfer into a yes/no payment decision.
type Server struct {
	node       NodeClient
	oracle     OracleClient
	sessions   *SessionStore
	store      *SQLiteStore
	metrics    *Metrics
	log        *slog.Logger
	sessionTTL time.Duration
	ledgerRef  types.Address
	nowFn      func() time.Time
	router     http.Handler
}

// NewServer constructs the service around its collaborators. registry may be
// nil when metrics exposure is not wanted.
func NewServer(node NodeClient, oracle OracleClient, sessions *SessionStore, store *SQLiteStore, metrics *Metrics, registry *prometheus.Registry, logger *slog.Logger, sessionTTL time.Duration) *Server {
	if node == nil {
		panic("node client required")
	}
	if oracle == nil {
		panic("oracle client required")
	}
	if sessions == nil {
		panic("session store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	s := &Server{
		node:       node,
		oracle:     oracle,
		sessions:   sessions,
		store:      store,
		metrics:    metrics,
		log:        logger,
		sessionTTL: sessionTTL,
		nowFn:      time.Now,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Post("/session", s.handleSessionCreate)
	r.Get("/session", s.handleSessionGet)
	r.Patch("/session", s.handleSessionPatch)
	r.Post("/verify", s.handleVerify)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetLedgerRef pins the ledger a decryption authorization must be scoped to.
// When unset, signatures for any ledger are accepted.
func (s *Server) SetLedgerRef(ref types.Address) {
	s.ledgerRef = ref
}

// SessionCreateRequest is the payload accepted by POST /session.
type SessionCreateRequest struct {
	Merchant   string `json:"merchant"`
	Asset      string `json:"asset,omitempty"`
	MinAmount  string `json:"minAmount,omitempty"`
	Reference  string `json:"reference,omitempty"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

// SessionCreateResponse is returned for a freshly created session.
type SessionCreateResponse struct {
	SessionID string `json:"sessionId"`
	ExpiresAt string `json:"expiresAt"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req SessionCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := types.ParseAddress(req.Merchant); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MinAmount != "" {
		if _, ok := new(big.Int).SetString(req.MinAmount, 10); !ok {
			s.writeError(w, http.StatusBadRequest, errors.New("verifyd: malformed minAmount"))
			return
		}
	}
	ttl := s.sessionTTL
	if req.TTLSeconds > 0 {
		requested := time.Duration(req.TTLSeconds) * time.Second
		if requested < ttl {
			ttl = requested
		}
	}
	session, err := s.sessions.Create(strings.TrimSpace(req.Merchant), strings.TrimSpace(req.Asset), strings.TrimSpace(req.MinAmount), strings.TrimSpace(req.Reference), ttl)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionCreateResponse{
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("verifyd: sessionId required"))
		return
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("verifyd: session not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// SessionPatchRequest is the payload accepted by PATCH /session.
type SessionPatchRequest struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

func (s *Server) handleSessionPatch(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req SessionPatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("verifyd: sessionId required"))
		return
	}
	if req.Status != "" {
		switch req.Status {
		case SessionStatusPending, SessionStatusPaid, SessionStatusVerified:
		default:
			s.writeError(w, http.StatusBadRequest, errors.New("verifyd: unsupported session status"))
			return
		}
	}
	session, ok := s.sessions.Update(req.SessionID, func(session *Session) {
		if req.Status != "" {
			session.Status = req.Status
		}
		if strings.TrimSpace(req.PaymentID) != "" {
			session.PaymentID = strings.TrimSpace(req.PaymentID)
		}
	})
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("verifyd: session not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// VerifyRequest is the payload accepted by POST /verify.
type VerifyRequest struct {
	PaymentID string              `json:"paymentId"`
	Merchant  string              `json:"merchant"`
	MinAmount string              `json:"minAmount,omitempty"`
	Resource  string              `json:"resource,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Signature DecryptionSignature `json:"signature"`
}

// VerifyResponse is the yes/no decision returned to the resource server.
type VerifyResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	started := s.nowFn()
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("verifyd: paymentId required"))
		return
	}
	expectedMerchant, err := types.ParseAddress(req.Merchant)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, status := s.verify(r, req, expectedMerchant)
	outcome := resp.Reason
	if resp.Accepted {
		outcome = "accepted"
	}
	s.metrics.observeVerify(outcome, s.nowFn().Sub(started).Seconds())
	s.audit(r, req, resp)
	s.log.Info("verification decided",
		"paymentId", req.PaymentID,
		"merchant", req.Merchant,
		"accepted", resp.Accepted,
		"reason", resp.Reason,
	)
	s.writeJSON(w, status, resp)
}

// verify walks the per-call state machine: event lookup, authorization check,
// decrypt, assert. Every input that matters comes from ledger state or the
// decrypted amount; the only client-declared values used are the expectations
// being asserted.
func (s *Server) verify(r *http.Request, req VerifyRequest, expectedMerchant types.Address) (VerifyResponse, int) {
	ctx := r.Context()

	payment, err := s.node.PaymentByRef(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return VerifyResponse{Accepted: false, Reason: ReasonPaymentNotFound}, http.StatusOK
		}
		s.log.Error("payment lookup failed", "paymentId", req.PaymentID, "err", err)
		return VerifyResponse{Accepted: false, Reason: "ledger_unavailable"}, http.StatusBadGateway
	}

	now := s.nowFn().Unix()
	if req.Signature.ExpiresAt <= now {
		return VerifyResponse{Accepted: false, Reason: ReasonSignatureExpired}, http.StatusOK
	}
	auth, err := req.Signature.Auth()
	if err != nil {
		return VerifyResponse{Accepted: false, Reason: ReasonSignatureInvalid}, http.StatusOK
	}
	if auth.Account != expectedMerchant {
		// The authorization must come from the party entitled to reveal the
		// amount: the expected recipient.
		return VerifyResponse{Accepted: false, Reason: ReasonSignatureInvalid}, http.StatusOK
	}
	if !s.ledgerRef.IsZero() && auth.LedgerRef != s.ledgerRef {
		return VerifyResponse{Accepted: false, Reason: ReasonSignatureInvalid}, http.StatusOK
	}
	if err := confidential.VerifyAuth(auth, now); err != nil {
		if errors.Is(err, confidential.ErrAuthExpired) {
			return VerifyResponse{Accepted: false, Reason: ReasonSignatureExpired}, http.StatusOK
		}
		return VerifyResponse{Accepted: false, Reason: ReasonSignatureInvalid}, http.StatusOK
	}

	resource, minAmount := req.Resource, req.MinAmount
	if req.SessionID != "" {
		if session, ok := s.sessions.Get(req.SessionID); ok {
			if resource == "" {
				resource = session.Reference
			}
			if minAmount == "" {
				minAmount = session.MinAmount
			}
		}
	}
	if resource != "" {
		if !strings.Contains(payment.Memo, resource) {
			return VerifyResponse{Accepted: false, Reason: ReasonResourceMismatch}, http.StatusOK
		}
		if s.store != nil {
			bound, err := s.store.BindResource(ctx, payment.PaymentID, resource, s.nowFn().UTC())
			if err != nil {
				s.log.Error("resource binding failed", "paymentId", payment.PaymentID, "err", err)
				return VerifyResponse{Accepted: false, Reason: "storage_unavailable"}, http.StatusInternalServerError
			}
			if bound != resource {
				return VerifyResponse{Accepted: false, Reason: ReasonResourceMismatch}, http.StatusOK
			}
		}
	}

	amount, err := s.oracle.Decrypt(ctx, payment.AmountHandle, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, confidential.ErrAuthExpired):
			return VerifyResponse{Accepted: false, Reason: ReasonSignatureExpired}, http.StatusOK
		case errors.Is(err, confidential.ErrAuthInvalid):
			return VerifyResponse{Accepted: false, Reason: ReasonSignatureInvalid}, http.StatusOK
		}
		s.log.Error("oracle decrypt failed", "paymentId", payment.PaymentID, "err", err)
		return VerifyResponse{Accepted: false, Reason: "oracle_unavailable"}, http.StatusBadGateway
	}

	recordedMerchant, err := types.ParseAddress(payment.Merchant)
	if err != nil || recordedMerchant != expectedMerchant {
		return VerifyResponse{Accepted: false, Reason: ReasonMerchantMismatch}, http.StatusOK
	}
	if minAmount != "" {
		minimum, ok := new(big.Int).SetString(minAmount, 10)
		if !ok {
			return VerifyResponse{Accepted: false, Reason: ReasonAmountTooLow}, http.StatusOK
		}
		if amount.Cmp(minimum) < 0 {
			return VerifyResponse{Accepted: false, Reason: ReasonAmountTooLow}, http.StatusOK
		}
	}

	if req.SessionID != "" {
		s.sessions.Update(req.SessionID, func(session *Session) {
			session.Status = SessionStatusVerified
			session.PaymentID = payment.PaymentID
		})
	}
	return VerifyResponse{Accepted: true}, http.StatusOK
}

func (s *Server) audit(r *http.Request, req VerifyRequest, resp VerifyResponse) {
	if s.store == nil {
		return
	}
	entry := AuditEntry{
		OccurredAt: s.nowFn().UTC(),
		PaymentID:  req.PaymentID,
		Merchant:   req.Merchant,
		Accepted:   resp.Accepted,
		Reason:     resp.Reason,
	}
	if err := s.store.InsertAudit(r.Context(), entry); err != nil {
		s.log.Error("audit insert failed", "err", err)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
