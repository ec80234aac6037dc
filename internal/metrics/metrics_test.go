package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.QueueItemDone(domain.QueueKindOpenLeg, "success")
	m.SetBreakerState(2)
	m.PositionBroken("close_failed")
	if m.Registry() != nil {
		t.Fatal("nil metrics returned a registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.QueueItemDone(domain.QueueKindCloseLeg, "failed")
	m.SetBreakerState(2)
	m.Discrepancy(domain.DiscrepancyNakedLeg)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`legsafe_queue_items_total{kind="close_leg",outcome="failed"} 1`,
		`legsafe_breaker_state 2`,
		`legsafe_discrepancies_total{type="NAKED_LEG"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
