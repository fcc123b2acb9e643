package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPaymentNotFound indicates the referenced payment does not exist in
// ledger state.
var ErrPaymentNotFound = errors.New("verifyd: payment not found")

// PaymentRecord is the ledger-side view of a processed payment, fetched from
// the node rather than trusted from the client.
type PaymentRecord struct {
	PaymentID    string `json:"paymentId"`
	Merchant     string `json:"merchant"`
	Payer        string `json:"payer"`
	Asset        string `json:"asset"`
	AmountHandle string `json:"amountHandle"`
	Memo         string `json:"memo"`
	ProductRef   string `json:"productRef"`
	CreatedAt    int64  `json:"createdAt"`
	Refunded     bool   `json:"refunded"`
}

// NodeClient fetches payment records from ledger state by payment id or
// transaction reference.
type NodeClient interface {
	PaymentByRef(ctx context.Context, ref string) (*PaymentRecord, error)
}

// HTTPNodeClient talks to a settlement node's query API over HTTP.
type HTTPNodeClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewHTTPNodeClient constructs a node client for the given base URL.
func NewHTTPNodeClient(baseURL, authToken string) *HTTPNodeClient {
	return &HTTPNodeClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken:  strings.TrimSpace(authToken),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// PaymentByRef implements the NodeClient interface.
func (c *HTTPNodeClient) PaymentByRef(ctx context.Context, ref string) (*PaymentRecord, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return nil, ErrPaymentNotFound
	}
	endpoint := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, url.PathEscape(trimmed))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verifyd: node query: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrPaymentNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("verifyd: node query status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var record PaymentRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("verifyd: decode payment record: %w", err)
	}
	if strings.TrimSpace(record.PaymentID) == "" {
		return nil, ErrPaymentNotFound
	}
	return &record, nil
}
