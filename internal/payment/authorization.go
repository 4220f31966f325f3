// Package payment holds the x402 payment types: the caller-supplied payment
// authorization, the requirements descriptor advertised on 402 responses, and
// the structural validator that runs before any upstream call.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// HeaderName is the request header carrying the encoded payment payload.
const HeaderName = "X-Payment"

// LegacyHeaderName is an older header some clients still send. It is accepted
// on the way in and stripped before forwarding, same as HeaderName.
const LegacyHeaderName = "X-Payment-Token"

// Version is the x402 protocol version this gateway speaks.
const Version = 1

// Payload is the decoded caller payment token.
type Payload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Payload     *ExactEVMProof `json:"payload"`
}

// ExactEVMProof carries the signed transfer authorization for the "exact"
// scheme on EVM networks.
type ExactEVMProof struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Authorization is the EIP-3009 transfer authorization body. Value and the
// validity bounds are base-10 integer strings; they are never parsed as
// floating point.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// DecodePayload decodes a base64 JSON payment token. Tokens arrive either
// standard- or URL-safe-encoded depending on the client.
func DecodePayload(token string) (*Payload, error) {
	if token == "" {
		return nil, fmt.Errorf("empty payment token")
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("payment token is not valid base64: %w", err)
		}
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payment token is not valid JSON: %w", err)
	}

	return &p, nil
}

// Encode serializes the payload back to the base64 wire form. Used when
// relaying the token to the facilitator and in tests.
func (p *Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
