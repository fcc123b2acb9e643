package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HeaderPayment carries the payment payload a client attaches when retrying a
// request that was previously answered with 402.
const HeaderPayment = "X-Payment"

// PaymentRequirement describes what a resource server demands before it will
// serve a gated resource. The reference nonce must be echoed into the
// payment's memo so the settled payment is bound to this request and no other.
type PaymentRequirement struct {
	Merchant  string `json:"merchant"`
	Asset     string `json:"asset"`
	MinAmount string `json:"minAmount"`
	Reference string `json:"reference"`
	SessionID string `json:"sessionId,omitempty"`
	VerifyURL string `json:"verifyUrl,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 challenge.
type PaymentRequiredResponse struct {
	Error               string               `json:"error"`
	PaymentRequirements []PaymentRequirement `json:"paymentRequirements"`
}

// PaymentPayload is what the client presents after paying: the ledger-side
// payment reference plus a decryption authorization for the expected
// recipient. Everything else the verifier needs comes from ledger state.
type PaymentPayload struct {
	PaymentID string              `json:"paymentId"`
	SessionID string              `json:"sessionId,omitempty"`
	Signature DecryptionSignature `json:"signature"`
}

// WritePaymentRequired answers a request with a 402 challenge listing the
// acceptable payment requirements.
func WritePaymentRequired(w http.ResponseWriter, requirements ...PaymentRequirement) {
	body, _ := json.Marshal(PaymentRequiredResponse{
		Error:               "payment required",
		PaymentRequirements: requirements,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write(body)
}

// ParsePaymentPayload decodes the base64 JSON payment payload from the
// X-Payment header value.
func ParsePaymentPayload(header string) (*PaymentPayload, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil, fmt.Errorf("verifyd: empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("verifyd: decode payment header: %w", err)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("verifyd: parse payment header: %w", err)
	}
	if strings.TrimSpace(payload.PaymentID) == "" {
		return nil, fmt.Errorf("verifyd: payment header missing payment id")
	}
	return &payload, nil
}

// EncodePaymentPayload renders the payload in the form ParsePaymentPayload
// accepts. Client SDKs and tests share it.
func EncodePaymentPayload(payload PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
