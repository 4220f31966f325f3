package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestCollector_RecordCall(t *testing.T) {
	c := NewCollector()
	c.RecordCall("magpie", "pool-snapshot", OutcomeCharged, "10000", 150*time.Millisecond)
	c.RecordCall("magpie", "pool-snapshot", OutcomeCharged, "10000", 90*time.Millisecond)
	c.RecordCall("magpie", "pool-snapshot", OutcomeUpstreamTimeout, "10000", time.Second)

	body := scrape(t, c)

	if !strings.Contains(body, `builderpay_proxy_calls_total{api="pool-snapshot",outcome="charged",server="magpie"} 2`) {
		t.Errorf("charged counter missing or wrong:\n%s", body)
	}
	if !strings.Contains(body, `builderpay_proxy_calls_total{api="pool-snapshot",outcome="upstream_timeout",server="magpie"} 1`) {
		t.Errorf("timeout counter missing or wrong:\n%s", body)
	}
	if !strings.Contains(body, `builderpay_proxy_fees_charged_total{api="pool-snapshot",server="magpie"} 20000`) {
		t.Errorf("fees counter missing or wrong:\n%s", body)
	}
	if !strings.Contains(body, "builderpay_proxy_call_duration_seconds") {
		t.Errorf("duration histogram missing:\n%s", body)
	}
}

func TestCollector_FeesOnlyCountCharged(t *testing.T) {
	c := NewCollector()
	c.RecordCall("magpie", "pool-snapshot", OutcomeSettlementFailed, "10000", time.Millisecond)

	if strings.Contains(scrape(t, c), "builderpay_proxy_fees_charged_total") {
		t.Error("fees counter populated for a call that was not charged")
	}
}

func TestCollector_BadFeeIgnored(t *testing.T) {
	c := NewCollector()
	c.RecordCall("magpie", "pool-snapshot", OutcomeCharged, "not-a-number", time.Millisecond)

	if strings.Contains(scrape(t, c), "builderpay_proxy_fees_charged_total") {
		t.Error("fees counter populated from an unparseable fee")
	}
}
