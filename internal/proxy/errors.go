// Package proxy implements the pay-after-success settlement pipeline: resolve
// the route, validate the payment authorization, forward upstream, settle on
// success, record usage, respond.
package proxy

import "fmt"

// ErrorKind enumerates the pipeline's terminal failure states. The taxonomy
// lives here as a closed type; it is serialized to the documented JSON shape
// only at the HTTP boundary.
type ErrorKind int

const (
	KindRouteNotFound ErrorKind = iota
	KindPaymentRequired
	KindAuthInvalid
	KindUpstreamTimeout
	KindUpstreamNetwork
	KindUpstreamRejected
	KindUnsupportedEncoding
	KindSettlementFailed
)

// String returns the wire error code for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRouteNotFound:
		return "route_not_found"
	case KindPaymentRequired:
		return "payment_required"
	case KindAuthInvalid:
		return "invalid_payment"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamNetwork:
		return "upstream_error"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindUnsupportedEncoding:
		return "unsupported_upstream_encoding"
	case KindSettlementFailed:
		return "settlement_failed"
	default:
		return "internal_error"
	}
}

// PipelineError is a terminal failure state. Every PipelineError implies
// charged == false.
type PipelineError struct {
	Kind    ErrorKind
	Message string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func pipelineErr(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
