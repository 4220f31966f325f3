// Package upstream forwards proxied calls to builder APIs. It owns the
// upstream timeout, header sanitization, the optional gateway auth assertion,
// and response body normalization.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTimeout is the hard wall-clock bound on an upstream call.
const DefaultTimeout = 60 * time.Second

// authAssertionTTL bounds the lifetime of the signed gateway assertion.
const authAssertionTTL = 5 * time.Minute

// ErrTimeout is returned when the upstream call exceeds the configured
// timeout. The in-flight request is cancelled, not abandoned.
var ErrTimeout = errors.New("upstream request timed out")

// NetworkError wraps a transport-level failure that happened before any
// status was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("upstream network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// paymentHeaders are never forwarded upstream.
var paymentHeaders = []string{"X-Payment", "X-Payment-Token", "X-Payment-Signature"}

// hop-by-hop headers per RFC 7230 §6.1, plus Host.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host",
}

// Request describes one call to forward.
type Request struct {
	UpstreamURL string
	Method      string
	Query       url.Values
	Header      http.Header
	Body        io.Reader

	// Route identity, embedded in the gateway auth assertion.
	RouteID string
	APISlug string
}

// Result is a completed upstream exchange. Data holds the decoded body:
// parsed JSON when the body is JSON, otherwise the raw text.
type Result struct {
	StatusCode  int
	ContentType string
	Data        any
	Raw         []byte
	Latency     time.Duration
}

// Succeeded reports whether the upstream call counts as a success for
// billing: HTTP status in [200, 300).
func (r *Result) Succeeded() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Forwarder performs upstream calls.
type Forwarder struct {
	client     *http.Client
	timeout    time.Duration
	authSecret []byte
	authIssuer string
	logger     *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout overrides the default upstream timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithAuthAssertion enables the signed X-Gateway-Auth header. An empty secret
// leaves the header off without failing requests.
func WithAuthAssertion(secret, issuer string) Option {
	return func(f *Forwarder) {
		if secret != "" {
			f.authSecret = []byte(secret)
			f.authIssuer = issuer
		}
	}
}

// WithHTTPClient substitutes the underlying client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// New creates a Forwarder.
func New(logger *slog.Logger, opts ...Option) *Forwarder {
	f := &Forwarder{
		// Timeout is enforced per-request via context so cancellation
		// actually tears down the connection. Transparent decompression
		// is off: mislabeled encodings are handled explicitly when the
		// body is decoded.
		client: &http.Client{
			Transport: &http.Transport{DisableCompression: true},
		},
		timeout: DefaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward performs the upstream call. The caller's query parameters are
// copied verbatim; payment and hop-by-hop headers are stripped. On timeout it
// returns ErrTimeout, on transport failure a *NetworkError.
func (f *Forwarder) Forward(ctx context.Context, freq *Request) (*Result, error) {
	target, err := url.Parse(freq.UpstreamURL)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("invalid upstream url: %w", err)}
	}

	if len(freq.Query) > 0 {
		q := target.Query()
		for key, values := range freq.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, NormalizeMethod(freq.Method), target.String(), freq.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	copySanitizedHeaders(req.Header, freq.Header)

	if len(f.authSecret) > 0 {
		assertion, err := f.signAssertion(freq)
		if err != nil {
			return nil, fmt.Errorf("sign gateway assertion: %w", err)
		}
		req.Header.Set("X-Gateway-Auth", "Bearer "+assertion)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			f.logger.Warn("upstream call timed out",
				slog.String("route_id", freq.RouteID),
				slog.Duration("timeout", f.timeout))
			return nil, ErrTimeout
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	result, err := decodeResponse(resp)
	if err != nil {
		return nil, err
	}
	result.Latency = latency

	return result, nil
}

// signAssertion builds the short-lived upstream auth token: audience is the
// upstream URL, jti is unique per request to block replay.
func (f *Forwarder) signAssertion(freq *Request) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   f.authIssuer,
		"aud":   freq.UpstreamURL,
		"iat":   now.Unix(),
		"exp":   now.Add(authAssertionTTL).Unix(),
		"jti":   uuid.New().String(),
		"route": freq.RouteID,
		"api":   freq.APISlug,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(f.authSecret)
}

func copySanitizedHeaders(dst, src http.Header) {
	for key, values := range src {
		if dropHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func dropHeader(key string) bool {
	for _, h := range paymentHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// NormalizeMethod clamps a raw method string to the closed set of supported
// verbs, defaulting to GET.
func NormalizeMethod(method string) string {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet:
		return http.MethodGet
	case http.MethodPost:
		return http.MethodPost
	case http.MethodPut:
		return http.MethodPut
	case http.MethodPatch:
		return http.MethodPatch
	case http.MethodDelete:
		return http.MethodDelete
	case http.MethodHead:
		return http.MethodHead
	default:
		return http.MethodGet
	}
}
