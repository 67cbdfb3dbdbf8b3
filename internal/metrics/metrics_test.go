package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestWrap_CountsRequestsByPattern(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/domains/{domain}/ca.pem", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.Wrap(mux, nil)

	for _, d := range []string{"factory", "cluster"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/domains/"+d+"/ca.pem", nil))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/nowhere", nil))

	body := scrape(t, m)
	want := `edgeprov_http_requests_total{method="GET",path="/api/domains/{domain}/ca.pem",status="404"} 2`
	if !strings.Contains(body, want) {
		t.Errorf("missing %q in:\n%s", want, body)
	}
	if !strings.Contains(body, `path="unmatched"`) {
		t.Error("unmatched requests should be labeled as such")
	}
}

func TestObserveIssuance(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.ObserveIssuance("factory", ResultIssued, 5*time.Millisecond)
	m.ObserveIssuance("factory", ResultIssued, 5*time.Millisecond)
	m.ObserveIssuance("factory", ResultConflict, time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		`edgeprov_certificates_issued_total{domain="factory",result="issued"} 2`,
		`edgeprov_certificates_issued_total{domain="factory",result="conflict"} 1`,
		`edgeprov_issuance_duration_seconds_count{domain="factory"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveIssuance("x", ResultFailed, time.Second)
	h := http.NotFoundHandler()
	if got := m.Wrap(h, nil); got == nil {
		t.Error("Wrap on nil Metrics should return the handler")
	}
}

func TestDomainStateCollector(t *testing.T) {
	m, err := New(func() map[string]string {
		return map[string]string{"factory": "ready", "cloud": "initialized"}
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := scrape(t, m)
	for _, want := range []string{
		`edgeprov_domain_state{domain="factory",state="ready"} 1`,
		`edgeprov_domain_state{domain="factory",state="uninitialized"} 0`,
		`edgeprov_domain_state{domain="cloud",state="initialized"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}
