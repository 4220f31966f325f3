package upstream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 16 << 20

// EncodingError reports a response body declared with a compression encoding
// the gateway cannot decode and whose raw bytes are not parseable either.
type EncodingError struct {
	Encoding string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("unsupported upstream content encoding %q", e.Encoding)
}

// decodeResponse reads and normalizes an upstream response body.
//
// JSON bodies are parsed; text bodies get an opportunistic JSON parse with a
// raw-text fallback. Some upstream servers mislabel their encoding, so when
// the declared compression cannot be decoded the raw bytes are still tried as
// JSON before giving up with an EncodingError. Corrupted bytes are never
// returned silently.
func decodeResponse(resp *http.Response) (*Result, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("read upstream body: %w", err)}
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	body, decodeErr := decompress(raw, encoding)

	result := &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if decodeErr != nil {
		// Mislabeled encoding: the bytes may already be plain JSON.
		var data any
		if json.Unmarshal(raw, &data) == nil {
			result.Data = data
			result.Raw = raw
			return result, nil
		}
		return nil, &EncodingError{Encoding: encoding}
	}

	result.Raw = body
	result.Data = decodeBody(body, result.ContentType)
	return result, nil
}

func decompress(raw []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(io.LimitReader(r, maxResponseBytes))
	case "deflate":
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		return io.ReadAll(io.LimitReader(r, maxResponseBytes))
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

func decodeBody(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}

	if isJSONContentType(contentType) {
		var data any
		if err := json.Unmarshal(body, &data); err == nil {
			return data
		}
		// Declared JSON but unparseable; surface the text rather than
		// dropping the payload.
		return string(body)
	}

	// Opportunistic parse: many upstreams serve JSON as text/plain.
	var data any
	if err := json.Unmarshal(body, &data); err == nil {
		return data
	}
	return string(body)
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}
