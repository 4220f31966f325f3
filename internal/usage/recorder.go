// Package usage records billed calls: the per-route counter increment, the
// append-only usage row consumed by downstream reward automation, and the
// metrics sink observations.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/builderpay/gateway/internal/metrics"
	"github.com/builderpay/gateway/internal/registry"
)

// Recorder persists usage for settled calls and reports outcomes to the
// metrics sink.
type Recorder struct {
	store  registry.Store
	sink   metrics.Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder. sink may be nil.
func NewRecorder(store registry.Store, sink metrics.Sink, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, sink: sink, logger: logger}
}

// RecordSettled is called exactly once per successfully settled call. It
// atomically increments the route counter, uses the post-increment value as
// the sequence number, and appends the usage row.
//
// The payment has already moved by the time this runs, so failures here are
// logged and swallowed; they never fail the caller's response.
func (r *Recorder) RecordSettled(ctx context.Context, route *registry.RouteRecord, payer, fee string) (int64, bool) {
	seq, err := r.store.IncrementCounter(ctx, route.ServerID)
	if err != nil {
		r.logger.Error("failed to increment route counter after settlement",
			slog.String("route_id", route.ServerID),
			slog.String("payer", payer),
			slog.String("error", err.Error()))
		return 0, false
	}

	rec := &registry.UsageRecord{
		RouteID:        route.ServerID,
		Payer:          payer,
		SequenceNumber: seq,
		Fee:            fee,
		Timestamp:      time.Now().UTC(),
	}
	if err := r.store.AppendUsage(ctx, rec); err != nil {
		r.logger.Error("failed to append usage record after settlement",
			slog.String("route_id", route.ServerID),
			slog.Int64("sequence", seq),
			slog.String("error", err.Error()))
		return seq, false
	}

	return seq, true
}

// RecordOutcome hands one terminal pipeline state to the metrics sink.
// Fire-and-forget.
func (r *Recorder) RecordOutcome(serverSlug, apiSlug string, outcome metrics.Outcome, fee string, latency time.Duration) {
	if r.sink == nil {
		return
	}
	r.sink.RecordCall(serverSlug, apiSlug, outcome, fee, latency)
}
