// Package metrics exposes the gateway's operational metrics. Every terminal
// pipeline state is recorded, including unpaid failures, so dashboards see
// failed calls too.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels a terminal pipeline state.
type Outcome string

const (
	OutcomeCharged          Outcome = "charged"
	OutcomeNotFound         Outcome = "not_found"
	OutcomePaymentRequired  Outcome = "payment_required"
	OutcomeAuthInvalid      Outcome = "auth_invalid"
	OutcomeUpstreamTimeout  Outcome = "upstream_timeout"
	OutcomeUpstreamError    Outcome = "upstream_error"
	OutcomeUpstreamRejected Outcome = "upstream_rejected"
	OutcomeSettlementFailed Outcome = "settlement_failed"
)

// Sink receives one observation per terminal pipeline state. Fire-and-forget.
type Sink interface {
	RecordCall(serverSlug, apiSlug string, outcome Outcome, fee string, latency time.Duration)
}

// Collector is the prometheus-backed Sink.
type Collector struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	feesTotal    *prometheus.CounterVec
	registry     *prometheus.Registry
}

var _ Sink = (*Collector)(nil)

// NewCollector creates and registers the gateway metrics on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "builderpay",
				Subsystem: "proxy",
				Name:      "calls_total",
				Help:      "Total proxied calls by terminal outcome",
			},
			[]string{"server", "api", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "builderpay",
				Subsystem: "proxy",
				Name:      "call_duration_seconds",
				Help:      "End-to-end duration of proxied calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server", "api"},
		),
		feesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "builderpay",
				Subsystem: "proxy",
				Name:      "fees_charged_total",
				Help:      "Sum of fees charged, in the smallest asset unit",
			},
			[]string{"server", "api"},
		),
	}

	registry.MustRegister(c.callsTotal, c.callDuration, c.feesTotal)
	return c
}

// RecordCall records one terminal pipeline state.
func (c *Collector) RecordCall(serverSlug, apiSlug string, outcome Outcome, fee string, latency time.Duration) {
	c.callsTotal.WithLabelValues(serverSlug, apiSlug, string(outcome)).Inc()
	c.callDuration.WithLabelValues(serverSlug, apiSlug).Observe(latency.Seconds())

	if outcome == OutcomeCharged {
		if amount, err := strconv.ParseFloat(fee, 64); err == nil {
			c.feesTotal.WithLabelValues(serverSlug, apiSlug).Add(amount)
		}
	}
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
