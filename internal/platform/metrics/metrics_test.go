package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape: expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_counters_and_gauges(t *testing.T) {
	m := New()
	m.IncChunksReceived()
	m.IncChunksPackaged()
	m.IncChunksQueued()
	m.IncChunksDuplicate()
	m.IncFailures(StageTranscode)
	m.ObserveStage(StagePackage, 250*time.Millisecond)

	out := scrape(t, m, func() { m.SetSessions(3, 1) })

	for _, want := range []string{
		"dash_chunks_received_total 1",
		"dash_chunks_packaged_total 1",
		"dash_chunks_queued_total 1",
		"dash_chunks_duplicate_total 1",
		`dash_chunk_failures_total{stage="transcode"} 1`,
		`dash_stage_duration_seconds_count{stage="package"} 1`,
		"dash_active_sessions 3",
		"dash_halted_sessions 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	out := scrape(t, m, nil)
	if !strings.Contains(out, "dash_requests_total 2") {
		t.Errorf("expected 2 requests: %s", out)
	}
	if !strings.Contains(out, "dash_errors_total 1") {
		t.Errorf("expected 1 error: %s", out)
	}
}

func TestRequestMiddleware_nil_metrics(t *testing.T) {
	called := false
	h := RequestMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil metrics middleware should call next")
	}
}
