package obs

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/orders":                        "/v1/orders",
		"/v1/orders/ord_1":                  "/v1/orders/:id",
		"/v1/orders/ord_1/cancel":           "/v1/orders/:id/cancel",
		"/v1/orders/ord_1/status":           "/v1/orders/:id/status",
		"/v1/orders/ord_1/extra":            "/v1/orders/ord_1/extra",
		"/v1/companies/c1/wallet":           "/v1/companies/:id/wallet",
		"/v1/companies/c1/wallet/fund":      "/v1/companies/:id/wallet/fund",
		"/v1/companies/c1/allocations":      "/v1/companies/:id/allocations",
		"/v1/employees/e1/budget":           "/v1/employees/:id/budget",
		"/v1/ledger/entries?limit=10":       "/v1/ledger/entries",
		"/v1/admin/reports?from=2025-01-01": "/v1/admin/reports",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	before := metricValue(t, httpRequestsTotal.WithLabelValues("PATCH", "/v1/orders/:id/cancel", "409"))
	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodPatch, "/v1/orders/"+id+"/cancel", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := metricValue(t, httpRequestsTotal.WithLabelValues("PATCH", "/v1/orders/:id/cancel", "409"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests counted, got %v", after-before)
	}
}

func TestLedgerObserver(t *testing.T) {
	var o LedgerObserver
	o.ObserveOperation("fund", time.Millisecond, nil)
	o.ObserveOperation("fund", time.Millisecond, errors.New("boom"))
	if got := metricValue(t, ledgerOps.WithLabelValues("fund", "error")); got < 1 {
		t.Fatalf("error outcome not counted: %v", got)
	}
	o.ObserveReconciliation(3)
	if got := metricValue(t, reconciliationMismatches); got != 3 {
		t.Fatalf("mismatch gauge = %v, want 3", got)
	}
	o.ObserveReconciliation(0)
	if got := metricValue(t, reconciliationMismatches); got != 0 {
		t.Fatalf("mismatch gauge = %v, want 0", got)
	}
}

func TestResolveBuildInfo(t *testing.T) {
	bi := ResolveBuildInfo("1.2.3", "abc123")
	if bi.Version != "1.2.3" || bi.Commit != "abc123" || bi.GoVersion != runtime.Version() {
		t.Fatalf("explicit labels not kept: %+v", bi)
	}
	// Test binaries carry no VCS stamp, so the commit cannot be left empty.
	if bi := ResolveBuildInfo("", "dev"); bi.Version != "unknown" || bi.Commit == "" {
		t.Fatalf("fallback labels: %+v", bi)
	}
}

func TestInitBuildInfoReplacesLabels(t *testing.T) {
	InitBuildInfo("0.1.0", "aaa")
	bi := InitBuildInfo("0.2.0", "bbb")
	if got := metricValue(t, buildInfoGauge.WithLabelValues(bi.Version, bi.Commit, bi.GoVersion)); got != 1 {
		t.Fatalf("build info gauge = %v, want 1", got)
	}
	ch := make(chan prometheus.Metric, 4)
	buildInfoGauge.Collect(ch)
	close(ch)
	if n := len(ch); n != 1 {
		t.Fatalf("expected one label set after re-init, got %d", n)
	}
}
