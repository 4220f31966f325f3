// Package facilitator is the client for the external x402 settlement service.
// The facilitator verifies payment signatures and executes the on-chain
// transfer; this gateway treats it as opaque and trusts only the boolean
// result it returns.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/builderpay/gateway/internal/payment"
)

// Settler is the settlement contract the proxy pipeline depends on.
type Settler interface {
	Settle(ctx context.Context, payload *payment.Payload, reqs *payment.Requirements) (*SettleResult, error)
	Verify(ctx context.Context, payload *payment.Payload, reqs *payment.Requirements) (*VerifyResult, error)
}

// SettleResult is the facilitator's answer to a settle call. Success false
// with a nil error means the facilitator processed the request and declined
// it; the caller must not be treated as charged.
type SettleResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// VerifyResult is the facilitator's answer to a verify call.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Client talks HTTP to a facilitator endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Settler = (*Client)(nil)

// New creates a facilitator client. timeout bounds each settle/verify call.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type wireRequest struct {
	X402Version         int                   `json:"x402Version"`
	PaymentPayload      *payment.Payload      `json:"paymentPayload"`
	PaymentRequirements *payment.Requirements `json:"paymentRequirements"`
}

// Settle asks the facilitator to execute the transfer authorized by payload.
// A transport or non-2xx failure is returned as an error; a declined
// settlement comes back as SettleResult{Success: false}.
func (c *Client) Settle(ctx context.Context, payload *payment.Payload, reqs *payment.Requirements) (*SettleResult, error) {
	var result SettleResult
	if err := c.post(ctx, "/settle", payload, reqs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Verify asks the facilitator to check the payment signature without moving
// funds.
func (c *Client) Verify(ctx context.Context, payload *payment.Payload, reqs *payment.Requirements) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/verify", payload, reqs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload *payment.Payload, reqs *payment.Requirements, out any) error {
	body, err := json.Marshal(wireRequest{
		X402Version:         payment.Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read facilitator response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator %s returned %d: %s", path, resp.StatusCode, truncate(raw, 512))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode facilitator response: %w", err)
	}

	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
