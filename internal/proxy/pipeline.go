package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/builderpay/gateway/internal/facilitator"
	"github.com/builderpay/gateway/internal/metrics"
	"github.com/builderpay/gateway/internal/payment"
	"github.com/builderpay/gateway/internal/registry"
	"github.com/builderpay/gateway/internal/upstream"
	"github.com/builderpay/gateway/internal/usage"
)

// Forwarder is the upstream call contract the pipeline depends on.
type Forwarder interface {
	Forward(ctx context.Context, req *upstream.Request) (*upstream.Result, error)
}

// PaymentConfig is the payee identity advertised in payment requirements and
// enforced by the validator.
type PaymentConfig struct {
	Network string
	Asset   string
	PayTo   string

	// VerifyBeforeForward asks the facilitator to check the signature
	// before the upstream call is made.
	VerifyBeforeForward bool
}

// Input is one proxied call.
type Input struct {
	ServerSlug string
	APISlug    string
	Token      string
	Method     string
	Query      url.Values
	Header     http.Header
	Body       io.Reader

	// Resource is the public URL of the proxied API, used in the payment
	// requirements descriptor and passed to the facilitator.
	Resource string
}

// Settlement describes the outcome of the facilitator call on charged paths.
type Settlement struct {
	Transaction string
	Network     string
}

// Outcome is the pipeline's terminal state. Exactly one of Charged
// true/false holds; Err is nil only on the fully settled path.
type Outcome struct {
	Status  int
	Charged bool
	Err     *PipelineError

	Route    *registry.RouteRecord
	API      *registry.APIRecord
	Upstream *upstream.Result

	Settlement *Settlement
	Sequence   int64

	AvailableAPIs []string
	Accepts       []payment.Requirements
}

// Pipeline orchestrates one request through the settlement state machine.
// All collaborators are injected; the pipeline itself is stateless and safe
// for concurrent use.
type Pipeline struct {
	resolver  *registry.Resolver
	validator *payment.Validator
	forwarder Forwarder
	settler   facilitator.Settler
	recorder  *usage.Recorder
	cfg       PaymentConfig
	logger    *slog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(
	resolver *registry.Resolver,
	validator *payment.Validator,
	forwarder Forwarder,
	settler facilitator.Settler,
	recorder *usage.Recorder,
	cfg PaymentConfig,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		resolver:  resolver,
		validator: validator,
		forwarder: forwarder,
		settler:   settler,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs the state machine to a terminal outcome. No failure path ever
// charges; settlement happens only after the upstream call succeeded.
func (p *Pipeline) Execute(ctx context.Context, in *Input) *Outcome {
	start := time.Now()
	out := p.execute(ctx, in)
	p.observe(in, out, time.Since(start))
	return out
}

func (p *Pipeline) execute(ctx context.Context, in *Input) *Outcome {
	route, api, err := p.resolver.Resolve(ctx, in.ServerSlug, in.APISlug)
	if err != nil {
		var nf *registry.NotFoundError
		if errors.As(err, &nf) {
			return &Outcome{
				Status:        http.StatusNotFound,
				Err:           pipelineErr(KindRouteNotFound, "%s", nf.Error()),
				AvailableAPIs: nf.AvailableAPIs,
			}
		}
		p.logger.Error("route resolution failed", slog.String("error", err.Error()))
		return &Outcome{
			Status: http.StatusInternalServerError,
			Err:    pipelineErr(KindRouteNotFound, "route lookup failed"),
		}
	}

	reqs := p.requirements(route, api, in.Resource)
	base := &Outcome{Route: route, API: api}

	if in.Token == "" {
		base.Status = http.StatusPaymentRequired
		base.Err = pipelineErr(KindPaymentRequired, "payment required: %s %s to %s", api.Fee, route.PaymentAsset, p.cfg.PayTo)
		base.Accepts = []payment.Requirements{reqs}
		return base
	}

	payload, payer, err := p.validator.Verify(in.Token, p.cfg.PayTo, api.Fee)
	if err != nil {
		var ve *payment.ValidationError
		reason := "invalid"
		if errors.As(err, &ve) {
			reason = string(ve.Reason)
		}
		base.Status = http.StatusPaymentRequired
		base.Err = pipelineErr(KindAuthInvalid, "%s", reason)
		base.Accepts = []payment.Requirements{reqs}
		return base
	}

	if p.cfg.VerifyBeforeForward {
		vr, err := p.settler.Verify(ctx, payload, &reqs)
		if err != nil {
			p.logger.Warn("facilitator verify unavailable, continuing",
				slog.String("error", err.Error()))
		} else if !vr.IsValid {
			base.Status = http.StatusPaymentRequired
			base.Err = pipelineErr(KindAuthInvalid, "facilitator rejected authorization: %s", vr.InvalidReason)
			base.Accepts = []payment.Requirements{reqs}
			return base
		}
	}

	result, err := p.forwarder.Forward(ctx, &upstream.Request{
		UpstreamURL: api.UpstreamURL,
		Method:      in.Method,
		Query:       in.Query,
		Header:      in.Header,
		Body:        in.Body,
		RouteID:     route.ServerID,
		APISlug:     api.Slug,
	})
	if err != nil {
		return p.forwardFailure(base, err)
	}
	base.Upstream = result

	if !result.Succeeded() {
		base.Status = result.StatusCode
		base.Err = pipelineErr(KindUpstreamRejected, "upstream returned %d", result.StatusCode)
		return base
	}

	// The builder has answered; money is about to move. From here the
	// pipeline runs to completion even if the caller disconnects.
	settleCtx := context.WithoutCancel(ctx)

	settled, err := p.settler.Settle(settleCtx, payload, &reqs)
	if err != nil || !settled.Success {
		reason := "settlement service unavailable"
		if err == nil {
			reason = settled.ErrorReason
			if reason == "" {
				reason = "settlement declined"
			}
		}
		// The caller received value without being billed. Operator
		// reconciliation depends on this log line.
		p.logger.Error("settlement failed after successful upstream call",
			slog.String("server", route.Slug),
			slog.String("api", api.Slug),
			slog.String("payer", payer),
			slog.String("fee", api.Fee),
			slog.String("reason", reason))
		base.Status = http.StatusInternalServerError
		base.Err = pipelineErr(KindSettlementFailed, "%s", reason)
		return base
	}

	seq, _ := p.recorder.RecordSettled(settleCtx, route, payer, api.Fee)

	base.Status = result.StatusCode
	base.Charged = true
	base.Sequence = seq
	base.Settlement = &Settlement{
		Transaction: settled.Transaction,
		Network:     settled.Network,
	}
	return base
}

func (p *Pipeline) forwardFailure(base *Outcome, err error) *Outcome {
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		base.Status = http.StatusGatewayTimeout
		base.Err = pipelineErr(KindUpstreamTimeout, "upstream did not respond in time")
	default:
		var encErr *upstream.EncodingError
		if errors.As(err, &encErr) {
			base.Status = http.StatusBadGateway
			base.Err = pipelineErr(KindUnsupportedEncoding, "%s", encErr.Error())
			return base
		}
		base.Status = http.StatusBadGateway
		base.Err = pipelineErr(KindUpstreamNetwork, "upstream unreachable")
	}
	return base
}

func (p *Pipeline) requirements(route *registry.RouteRecord, api *registry.APIRecord, resource string) payment.Requirements {
	return payment.Requirements{
		Scheme:            "exact",
		Network:           p.cfg.Network,
		MaxAmountRequired: api.Fee,
		Resource:          resource,
		Description:       api.Description,
		MimeType:          "application/json",
		PayTo:             p.cfg.PayTo,
		MaxTimeoutSeconds: int(upstream.DefaultTimeout / time.Second),
		Asset:             p.assetFor(route),
	}
}

func (p *Pipeline) assetFor(route *registry.RouteRecord) string {
	if route.PaymentAsset != "" {
		return route.PaymentAsset
	}
	return p.cfg.Asset
}

func (p *Pipeline) observe(in *Input, out *Outcome, latency time.Duration) {
	fee := ""
	if out.API != nil {
		fee = out.API.Fee
	}

	outcome := metrics.OutcomeCharged
	if out.Err != nil {
		switch out.Err.Kind {
		case KindRouteNotFound:
			outcome = metrics.OutcomeNotFound
		case KindPaymentRequired:
			outcome = metrics.OutcomePaymentRequired
		case KindAuthInvalid:
			outcome = metrics.OutcomeAuthInvalid
		case KindUpstreamTimeout:
			outcome = metrics.OutcomeUpstreamTimeout
		case KindUpstreamNetwork, KindUnsupportedEncoding:
			outcome = metrics.OutcomeUpstreamError
		case KindUpstreamRejected:
			outcome = metrics.OutcomeUpstreamRejected
		case KindSettlementFailed:
			outcome = metrics.OutcomeSettlementFailed
		}
	}

	p.recorder.RecordOutcome(in.ServerSlug, in.APISlug, outcome, fee, latency)
}
