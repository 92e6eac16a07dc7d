package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.JobsClaimed.WithLabelValues("transcode").Inc()
	c.JobsClaimed.WithLabelValues("transcode").Inc()
	c.JobsFailed.WithLabelValues("transcode", "HANDLER_ERROR").Inc()
	c.JobsInFlight.Inc()

	if got := testutil.ToFloat64(c.JobsClaimed.WithLabelValues("transcode")); got != 2 {
		t.Errorf("jobs claimed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.JobsFailed.WithLabelValues("transcode", "HANDLER_ERROR")); got != 1 {
		t.Errorf("jobs failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.JobsInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	c.JobsInFlight.Dec()
	if got := testutil.ToFloat64(c.JobsInFlight); got != 0 {
		t.Errorf("in flight after dec = %v, want 0", got)
	}
}

func TestCollector_IsolatedRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.JobsClaimed.WithLabelValues("x").Inc()
	if got := testutil.ToFloat64(b.JobsClaimed.WithLabelValues("x")); got != 0 {
		t.Errorf("second collector saw %v claims, want 0", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.Webhooks.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mediaforge_webhook_deliveries_total") {
		t.Error("exposition missing webhook counter")
	}
}
