package upstream

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForwarder_CopiesQueryAndStripsPaymentHeaders(t *testing.T) {
	var gotQuery url.Values
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New(testLogger())

	header := http.Header{}
	header.Set("X-Payment", "secret-token")
	header.Set("X-Payment-Token", "legacy-token")
	header.Set("Accept", "application/json")

	result, err := f.Forward(context.Background(), &Request{
		UpstreamURL: srv.URL + "?fixed=1",
		Method:      "GET",
		Query:       url.Values{"pool": {"usdc-weth"}},
		Header:      header,
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotQuery.Get("pool") != "usdc-weth" || gotQuery.Get("fixed") != "1" {
		t.Errorf("upstream query = %v, want caller params merged onto fixed ones", gotQuery)
	}
	if gotHeader.Get("X-Payment") != "" || gotHeader.Get("X-Payment-Token") != "" {
		t.Error("payment headers leaked upstream")
	}
	if gotHeader.Get("Accept") != "application/json" {
		t.Errorf("Accept header = %v, want forwarded", gotHeader.Get("Accept"))
	}
	if !result.Succeeded() {
		t.Errorf("Succeeded() = false for status %d", result.StatusCode)
	}
}

func TestForwarder_AuthAssertion(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Gateway-Auth")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(testLogger(), WithAuthAssertion("topsecret", "builderpay-gateway"))

	if _, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET", RouteID: "srv-1", APISlug: "pool"}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Errorf("X-Gateway-Auth = %q, want a bearer token", gotAuth)
	}

	// Without a secret the header stays off and the call still works
	gotAuth = ""
	plain := New(testLogger())
	if _, err := plain.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotAuth != "" {
		t.Errorf("X-Gateway-Auth = %q, want empty without a secret", gotAuth)
	}
}

func TestForwarder_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(testLogger(), WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Forward() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Forward() took %v, request was not cancelled", elapsed)
	}
}

func TestForwarder_NetworkError(t *testing.T) {
	f := New(testLogger(), WithTimeout(time.Second))

	_, err := f.Forward(context.Background(), &Request{UpstreamURL: "http://127.0.0.1:1", Method: "GET"})
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("Forward() error = %v, want *NetworkError", err)
	}
}

func TestForwarder_DecodesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tvl": 42}`))
	}))
	defer srv.Close()

	f := New(testLogger())
	result, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	data, ok := result.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %T, want parsed JSON object", result.Data)
	}
	if data["tvl"] != float64(42) {
		t.Errorf("tvl = %v, want 42", data["tvl"])
	}
}

func TestForwarder_OpportunisticJSONParseOfText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`{"nested": "json"}`))
	}))
	defer srv.Close()

	f := New(testLogger())
	result, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if _, ok := result.Data.(map[string]any); !ok {
		t.Errorf("Data = %T, want JSON parsed out of text/plain", result.Data)
	}
}

func TestForwarder_PlainTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := New(testLogger())
	result, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if result.Data != "hello world" {
		t.Errorf("Data = %v, want raw text", result.Data)
	}
}

func TestForwarder_RealGzipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"compressed": true}`))
		gz.Close()
	}))
	defer srv.Close()

	f := New(testLogger())
	result, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["compressed"] != true {
		t.Errorf("Data = %v, want decompressed JSON", result.Data)
	}
}

// Some upstreams declare gzip but send plain bytes. The raw body must still
// be tried as JSON before failing.
func TestForwarder_MislabeledGzipFallsBackToRawJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte(`{"mislabeled": true}`))
	}))
	defer srv.Close()

	f := New(testLogger())
	result, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["mislabeled"] != true {
		t.Errorf("Data = %v, want raw bytes parsed as JSON", result.Data)
	}
}

func TestForwarder_UnsupportedEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		w.Write([]byte{0x1b, 0x02, 0x00}) // not JSON, not decodable
	}))
	defer srv.Close()

	f := New(testLogger())
	_, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	var ee *EncodingError
	if !errors.As(err, &ee) {
		t.Fatalf("Forward() error = %v, want *EncodingError", err)
	}
	if ee.Encoding != "br" {
		t.Errorf("Encoding = %v, want br", ee.Encoding)
	}
}

func TestForwarder_RelaysUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"oops"}`))
	}))
	defer srv.Close()

	f := New(testLogger())
	result, err := f.Forward(context.Background(), &Request{UpstreamURL: srv.URL, Method: "GET"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if result.Succeeded() {
		t.Error("Succeeded() = true for a 500")
	}
	data := result.Data.(map[string]any)
	if data["error"] != "oops" {
		t.Errorf("Data = %v, want relayed body", result.Data)
	}
}

func TestNormalizeMethod(t *testing.T) {
	cases := map[string]string{
		"get":     http.MethodGet,
		"POST":    http.MethodPost,
		" delete": http.MethodDelete,
		"TRACE":   http.MethodGet,
		"":        http.MethodGet,
	}
	for in, want := range cases {
		if got := NormalizeMethod(in); got != want {
			t.Errorf("NormalizeMethod(%q) = %v, want %v", in, got, want)
		}
	}
}
