package proxy

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/builderpay/gateway/internal/payment"
	"github.com/builderpay/gateway/internal/server"
)

// Handler is the caller-facing HTTP boundary of the pipeline. It owns the
// response contract: every terminal response carries an explicit charged
// boolean, and upstream URLs never appear in any response.
type Handler struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewHandler creates the proxy handler.
func NewHandler(pipeline *Pipeline, logger *slog.Logger) *Handler {
	return &Handler{pipeline: pipeline, logger: logger}
}

// Routes mounts the proxy endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Head("/proxy/{server}/{api}", h.handleHead)
	r.Get("/proxy/{server}/{api}", h.handleProxy)
}

// handleHead always answers 200. The facilitator probes the resource before
// settling and a body would be discarded anyway.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	serverSlug := chi.URLParam(r, "server")
	apiSlug := chi.URLParam(r, "api")

	server.AddLogField(r.Context(), "server", serverSlug)
	server.AddLogField(r.Context(), "api", apiSlug)

	token := r.Header.Get(payment.HeaderName)
	if token == "" {
		token = r.Header.Get(payment.LegacyHeaderName)
	}

	out := h.pipeline.Execute(r.Context(), &Input{
		ServerSlug: serverSlug,
		APISlug:    apiSlug,
		Token:      token,
		Method:     r.Method,
		Query:      r.URL.Query(),
		Header:     r.Header,
		Body:       nil, // GET carries no body upstream
		Resource:   resourceURL(r),
	})

	h.writeOutcome(w, r, out)
}

// paymentMeta is the payment block present on every response that reached
// the upstream.
type paymentMeta struct {
	Status       string `json:"status"`
	TokenAddress string `json:"tokenAddress,omitempty"`
	PaymentToken string `json:"paymentToken,omitempty"`
	Charged      bool   `json:"charged"`
}

// proxyMeta identifies the proxied API. Never includes the upstream URL.
type proxyMeta struct {
	ServerSlug string `json:"serverSlug"`
	APISlug    string `json:"apiSlug"`
	APIName    string `json:"apiName"`
	Timestamp  string `json:"timestamp"`
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out *Outcome) {
	if out.Err != nil {
		server.AddLogField(r.Context(), "outcome", out.Err.Kind.String())
	} else {
		server.AddLogField(r.Context(), "outcome", "charged")
	}

	// Paths that never reached the upstream: flat error shape.
	if out.Upstream == nil {
		body := map[string]any{
			"error":   out.Err.Kind.String(),
			"message": out.Err.Message,
			"charged": false,
		}
		if len(out.AvailableAPIs) > 0 {
			body["availableApis"] = out.AvailableAPIs
		}
		if len(out.Accepts) > 0 {
			body["accepts"] = out.Accepts
			body["x402Version"] = payment.Version
		}
		writeJSON(w, out.Status, body)
		return
	}

	meta := paymentMeta{Charged: out.Charged}
	if out.Route != nil {
		meta.TokenAddress = out.Route.PaymentAsset
	}

	switch {
	case out.Charged:
		meta.Status = "settled"
		meta.PaymentToken = out.Settlement.Transaction
		w.Header().Set("X-Payment-Response", encodeSettlementHeader(out.Settlement))
	case out.Err != nil && out.Err.Kind == KindSettlementFailed:
		meta.Status = "settlement_failed"
	default:
		meta.Status = "not_charged"
	}

	body := map[string]any{
		"data":    out.Upstream.Data,
		"payment": meta,
		"proxy": proxyMeta{
			ServerSlug: out.Route.Slug,
			APISlug:    out.API.Slug,
			APIName:    out.API.Name,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		},
	}
	if out.Err != nil {
		body["error"] = out.Err.Kind.String()
		body["message"] = out.Err.Message
	}

	writeJSON(w, out.Status, body)
}

func encodeSettlementHeader(s *Settlement) string {
	raw, _ := json.Marshal(map[string]any{
		"success":     true,
		"transaction": s.Transaction,
		"network":     s.Network,
	})
	return base64.StdEncoding.EncodeToString(raw)
}

// resourceURL reconstructs the public URL of the proxied resource for the
// payment requirements descriptor.
func resourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are gone; nothing left to do but note it.
		slog.Default().Error("failed to encode response", slog.String("error", err.Error()))
	}
}
