package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"veilpay/core/types"
	"veilpay/crypto/confidential"
)

// DecryptionSignature is the client-supplied proof that an account authorized
// the decryption oracle to reveal its ciphertexts for a bounded window. It is
// relayed to the oracle and never persisted beyond the verification call.
type DecryptionSignature struct {
	Account   string `json:"account"`
	LedgerRef string `json:"ledgerRef"`
	ExpiresAt int64  `json:"expiresAt"`
	Signature string `json:"signature"`
}

// Auth converts the wire form into the engine-level authorization.
func (s DecryptionSignature) Auth() (confidential.DecryptAuth, error) {
	account, err := types.ParseAddress(s.Account)
	if err != nil {
		return confidential.DecryptAuth{}, confidential.ErrAuthInvalid
	}
	ledgerRef, err := types.ParseAddress(s.LedgerRef)
	if err != nil {
		return confidential.DecryptAuth{}, confidential.ErrAuthInvalid
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s.Signature), "0x"))
	if err != nil {
		return confidential.DecryptAuth{}, confidential.ErrAuthInvalid
	}
	return confidential.DecryptAuth{
		Account:   account,
		LedgerRef: ledgerRef,
		ExpiresAt: s.ExpiresAt,
		Signature: raw,
	}, nil
}

// OracleClient relays a user-issued decryption authorization to the oracle and
// returns the revealed amount. The service holds no decryption authority of
// its own.
type OracleClient interface {
	Decrypt(ctx context.Context, amountHandle string, sig DecryptionSignature) (*big.Int, error)
}

// HTTPOracleClient talks to a decryption oracle over HTTP.
type HTTPOracleClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOracleClient constructs an oracle client for the given base URL.
func NewHTTPOracleClient(baseURL string) *HTTPOracleClient {
	return &HTTPOracleClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type oracleDecryptRequest struct {
	Handle    string              `json:"handle"`
	Signature DecryptionSignature `json:"signature"`
}

type oracleDecryptResponse struct {
	Plaintext string `json:"plaintext"`
	Error     string `json:"error,omitempty"`
}

// Decrypt implements the OracleClient interface.
func (c *HTTPOracleClient) Decrypt(ctx context.Context, amountHandle string, sig DecryptionSignature) (*big.Int, error) {
	payload, err := json.Marshal(oracleDecryptRequest{Handle: amountHandle, Signature: sig})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decrypt", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verifyd: oracle: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	var decoded oracleDecryptResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("verifyd: decode oracle response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		if strings.Contains(decoded.Error, "expired") {
			return nil, confidential.ErrAuthExpired
		}
		return nil, confidential.ErrAuthInvalid
	default:
		return nil, fmt.Errorf("verifyd: oracle status %d: %s", resp.StatusCode, decoded.Error)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(decoded.Plaintext), 10)
	if !ok {
		return nil, errors.New("verifyd: oracle returned malformed plaintext")
	}
	return amount, nil
}

// EngineOracle serves decryptions directly from an in-process confidential
// engine. It backs development deployments and the service's own tests.
type EngineOracle struct {
	engine confidential.Engine
}

// NewEngineOracle wraps the given engine.
func NewEngineOracle(engine confidential.Engine) *EngineOracle {
	return &EngineOracle{engine: engine}
}

// Decrypt implements the OracleClient interface.
func (o *EngineOracle) Decrypt(_ context.Context, amountHandle string, sig DecryptionSignature) (*big.Int, error) {
	if o == nil || o.engine == nil {
		return nil, errors.New("verifyd: oracle engine not configured")
	}
	handle, err := confidential.ParseHandle(amountHandle)
	if err != nil {
		return nil, err
	}
	auth, err := sig.Auth()
	if err != nil {
		return nil, err
	}
	return o.engine.Decrypt(handle, auth)
}
