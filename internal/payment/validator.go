package payment

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Reason classifies why a payment authorization failed structural validation.
type Reason string

const (
	ReasonMalformed         Reason = "malformed"
	ReasonMissingFields     Reason = "missing fields"
	ReasonRecipientMismatch Reason = "recipient mismatch"
	ReasonAmountMismatch    Reason = "amount mismatch"
	ReasonNotYetValid       Reason = "not yet valid"
	ReasonExpired           Reason = "expired"
)

// ValidationError is returned when an authorization fails a structural check.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid payment authorization: %s", e.Reason)
	}
	return fmt.Sprintf("invalid payment authorization: %s: %s", e.Reason, e.Detail)
}

// Validator performs the structural and business checks on a payment token
// before any upstream call is made. Signature verification is not done here;
// that is the facilitator's job at settlement time.
type Validator struct {
	now func() time.Time
}

// NewValidator returns a Validator using wall-clock time.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// NewValidatorWithClock returns a Validator with an injected clock, for tests.
func NewValidatorWithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// Verify decodes token and checks it against the expected payee and amount.
// It short-circuits on the first failure and returns the decoded payload and
// the payer address on success. No network I/O.
func (v *Validator) Verify(token, expectedPayee, expectedAmount string) (*Payload, string, error) {
	p, err := DecodePayload(token)
	if err != nil {
		return nil, "", &ValidationError{Reason: ReasonMalformed, Detail: err.Error()}
	}

	if p.Payload == nil || p.Payload.Authorization == nil {
		return nil, "", &ValidationError{Reason: ReasonMissingFields, Detail: "authorization body missing"}
	}
	if p.Payload.Signature == "" {
		return nil, "", &ValidationError{Reason: ReasonMissingFields, Detail: "signature missing"}
	}

	auth := p.Payload.Authorization

	if !strings.EqualFold(auth.To, expectedPayee) {
		return nil, "", &ValidationError{
			Reason: ReasonRecipientMismatch,
			Detail: fmt.Sprintf("authorization pays %s", auth.To),
		}
	}

	if !amountsEqual(auth.Value, expectedAmount) {
		return nil, "", &ValidationError{
			Reason: ReasonAmountMismatch,
			Detail: fmt.Sprintf("authorization is for %s, fee is %s", auth.Value, expectedAmount),
		}
	}

	now := v.now().Unix()
	validAfter, ok := parseUnix(auth.ValidAfter)
	if !ok {
		return nil, "", &ValidationError{Reason: ReasonMalformed, Detail: "validAfter is not an integer"}
	}
	validBefore, ok := parseUnix(auth.ValidBefore)
	if !ok {
		return nil, "", &ValidationError{Reason: ReasonMalformed, Detail: "validBefore is not an integer"}
	}

	// Both bounds are inclusive.
	if now < validAfter {
		return nil, "", &ValidationError{Reason: ReasonNotYetValid}
	}
	if now > validBefore {
		return nil, "", &ValidationError{Reason: ReasonExpired}
	}

	return p, auth.From, nil
}

// amountsEqual compares two base-10 integer strings exactly. Anything that is
// not a plain integer fails the comparison.
func amountsEqual(a, b string) bool {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if !okA || !okB {
		return false
	}
	return x.Cmp(y) == 0
}

func parseUnix(s string) (int64, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || !n.IsInt64() {
		return 0, false
	}
	return n.Int64(), true
}
