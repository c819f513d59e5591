package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/":                                   "/",
		"/health":                             "/health",
		"/match":                              "/match",
		"/cycles/9b1f":                        "/cycles/:id",
		"/cycles/9b1f/confirm-receipt":        "/cycles/:id/confirm-receipt",
		"/accounts/me/balance":                "/accounts/:user/balance",
		"/internal/participants/user-1":       "/internal/participants",
		"/internal/accounts/user-1/reconcile": "/internal/accounts",
	}
	for raw, want := range cases {
		if got := canonicalPath(raw); got != want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestInstrumentHandler_CountsStatus(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/cycles/:id", "404"))

	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cycles/abc", nil))

	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/cycles/:id", "404"))
	if after-before != 1 {
		t.Fatalf("expected one recorded request, got %v", after-before)
	}
}

func TestHandler_ExposesSettlementMetrics(t *testing.T) {
	RecordFraudDecision("flag")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "settlement_fraud_decisions_total") {
		t.Fatalf("expected fraud decision metric in output")
	}
}
