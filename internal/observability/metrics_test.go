package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/", "200", time.Millisecond)
	m.ObserveCycle(CycleObservation{Status: "finished"})
	m.IncWorkerRestart()
	m.SetPoolInflight(3)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestObserveCycle(t *testing.T) {
	m := newMetrics()
	m.ObserveCycle(CycleObservation{Status: "finished", Xmin: 42, Indexed: 5, Conflicts: 1, Errors: 2, Invalidated: 8})
	if got := testutil.ToFloat64(m.lastXmin); got != 42 {
		t.Fatalf("last xmin = %v", got)
	}
	if got := testutil.ToFloat64(m.objects.WithLabelValues("indexed")); got != 5 {
		t.Fatalf("indexed = %v", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("finished")); got != 1 {
		t.Fatalf("cycles = %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := newMetrics()
	m.IncWorkerRestart()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "snoindex_pool_worker_restarts_total 1") {
		t.Fatalf("metrics body missing restart counter")
	}
}
