package payment

import (
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"
)

const testPayee = "0xAbCd000000000000000000000000000000000001"

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

func makeToken(t *testing.T, mutate func(*Payload)) string {
	t.Helper()

	p := &Payload{
		X402Version: Version,
		Scheme:      "exact",
		Network:     "base",
		Payload: &ExactEVMProof{
			Signature: "0xsignature",
			Authorization: &Authorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          testPayee,
				Value:       "10000",
				ValidAfter:  strconv.FormatInt(testNow.Unix()-60, 10),
				ValidBefore: strconv.FormatInt(testNow.Unix()+60, 10),
				Nonce:       "0xnonce",
			},
		},
	}
	if mutate != nil {
		mutate(p)
	}

	token, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return token
}

func verifyReason(t *testing.T, err error) Reason {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	return ve.Reason
}

func TestValidator_Verify_Valid(t *testing.T) {
	v := NewValidatorWithClock(fixedClock)

	payload, payer, err := v.Verify(makeToken(t, nil), testPayee, "10000")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if payer != "0x1111111111111111111111111111111111111111" {
		t.Errorf("payer = %v, want from address", payer)
	}
	if payload.Scheme != "exact" {
		t.Errorf("scheme = %v, want exact", payload.Scheme)
	}
}

func TestValidator_Verify_PayeeCaseInsensitive(t *testing.T) {
	v := NewValidatorWithClock(fixedClock)

	token := makeToken(t, nil)
	if _, _, err := v.Verify(token, "0xABCD000000000000000000000000000000000001", "10000"); err != nil {
		t.Fatalf("Verify() with uppercased payee error = %v", err)
	}
}

func TestValidator_Verify_Malformed(t *testing.T) {
	v := NewValidatorWithClock(fixedClock)

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!not-base64!!"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello"))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := v.Verify(tc.token, testPayee, "10000")
			if got := verifyReason(t, err); got != ReasonMalformed {
				t.Errorf("reason = %v, want %v", got, ReasonMalformed)
			}
		})
	}
}

func TestValidator_Verify_MissingFields(t *testing.T) {
	v := NewValidatorWithClock(fixedClock)

	noAuth := makeToken(t, func(p *Payload) { p.Payload.Authorization = nil })
	if got := verifyReason(t, secondErr(v.Verify(noAuth, testPayee, "10000"))); got != ReasonMissingFields {
		t.Errorf("reason = %v, want %v", got, ReasonMissingFields)
	}

	noSig := makeToken(t, func(p *Payload) { p.Payload.Signature = "" })
	if got := verifyReason(t, secondErr(v.Verify(noSig, testPayee, "10000"))); got != ReasonMissingFields {
		t.Errorf("reason = %v, want %v", got, ReasonMissingFields)
	}
}

func TestValidator_Verify_RecipientMismatch(t *testing.T) {
	v := NewValidatorWithClock(fixedClock)

	token := makeToken(t, func(p *Payload) {
		p.Payload.Authorization.To = "0x2222222222222222222222222222222222222222"
	})
	if got := verifyReason(t, secondErr(v.Verify(token, testPayee, "10000"))); got != ReasonRecipientMismatch {
		t.Errorf("reason = %v, want %v", got, ReasonRecipientMismatch)
	}
}

func TestValidator_Verify_AmountExactness(t *testing.T) {
	v := NewValidatorWithClock(fixedClock)

	for _, amount := range []string{"9999", "10001"} {
		token := makeToken(t, func(p *Payload) { p.Payload.Authorization.Value = amount })
		if got := verifyReason(t, secondErr(v.Verify(token, testPayee, "10000"))); got != ReasonAmountMismatch {
			t.Errorf("amount %s: reason = %v, want %v", amount, got, ReasonAmountMismatch)
		}
	}

	// Exact match passes, including with a redundant leading zero on one side
	token := makeToken(t, func(p *Payload) { p.Payload.Authorization.Value = "010000" })
	if _, _, err := v.Verify(token, testPayee, "10000"); err != nil {
		t.Errorf("Verify() with equivalent integer strings error = %v", err)
	}
}

func TestValidator_Verify_TimeWindow(t *testing.T) {
	v := NewValidatorWithClock(fixedClock)
	now := testNow.Unix()

	expired := makeToken(t, func(p *Payload) {
		p.Payload.Authorization.ValidBefore = strconv.FormatInt(now-1, 10)
	})
	if got := verifyReason(t, secondErr(v.Verify(expired, testPayee, "10000"))); got != ReasonExpired {
		t.Errorf("reason = %v, want %v", got, ReasonExpired)
	}

	notYet := makeToken(t, func(p *Payload) {
		p.Payload.Authorization.ValidAfter = strconv.FormatInt(now+1, 10)
	})
	if got := verifyReason(t, secondErr(v.Verify(notYet, testPayee, "10000"))); got != ReasonNotYetValid {
		t.Errorf("reason = %v, want %v", got, ReasonNotYetValid)
	}

	// Both bounds are inclusive
	boundary := makeToken(t, func(p *Payload) {
		p.Payload.Authorization.ValidAfter = strconv.FormatInt(now, 10)
		p.Payload.Authorization.ValidBefore = strconv.FormatInt(now, 10)
	})
	if _, _, err := v.Verify(boundary, testPayee, "10000"); err != nil {
		t.Errorf("Verify() at window boundaries error = %v", err)
	}
}

func secondErr(_ *Payload, _ string, err error) error { return err }
