package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dunamismax/metricflow/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func postRun(srv *Server, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body)))
	return rec
}

func TestRunSubmissionsCountedByOutcome(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQueue{}, store.NewMemoryRunStore())

	postRun(srv, `{}`)
	postRun(srv, `{}`)
	postRun(srv, `{"batch_size":-1}`)
	postRun(srv, `{"source_path":"/etc/passwd"}`)
	postRun(srv, `{"source_path":"s3://uploads/drops/absent.csv"}`)

	want := map[string]float64{
		outcomeAccepted:      2,
		outcomeInvalid:       1,
		outcomeSourceRefused: 1,
		outcomeSourceMissing: 1,
		outcomeEnqueueFailed: 0,
	}
	for outcome, count := range want {
		if got := testutil.ToFloat64(srv.metrics.runSubmissions.WithLabelValues(outcome)); got != count {
			t.Fatalf("outcome %s: got %v, want %v", outcome, got, count)
		}
	}
	if got := testutil.ToFloat64(srv.metrics.runsEnqueued.WithLabelValues("pipeline")); got != 2 {
		t.Fatalf("expected 2 enqueued runs, got %v", got)
	}
}

func TestRateLimitedSubmissionsCounted(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQueue{}, store.NewMemoryRunStore())
	srv.rateLimiter = denyLimiter{}

	postRun(srv, `{}`)
	if got := testutil.ToFloat64(srv.metrics.runSubmissions.WithLabelValues(outcomeRateLimited)); got != 1 {
		t.Fatalf("expected one rate-limited submission, got %v", got)
	}
	if got := testutil.ToFloat64(srv.metrics.runSubmissions.WithLabelValues(outcomeAccepted)); got != 0 {
		t.Fatalf("expected no accepted submission, got %v", got)
	}
}

func TestRunLookupsCountedByResult(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQueue{}, store.NewMemoryRunStore())

	for _, path := range []string{"/v1/runs/not-a-uuid", "/v1/runs/7b1e4c6d-2f3a-4b5c-8d9e-0a1b2c3d4e5f"} {
		srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if got := testutil.ToFloat64(srv.metrics.runLookups.WithLabelValues(lookupInvalid)); got != 1 {
		t.Fatalf("expected one invalid lookup, got %v", got)
	}
	if got := testutil.ToFloat64(srv.metrics.runLookups.WithLabelValues(lookupNotFound)); got != 1 {
		t.Fatalf("expected one missing lookup, got %v", got)
	}
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

func TestSpanCarriesRunIDAndOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	srv, _ := newTestServer(t, &fakeQueue{}, store.NewMemoryRunStore())
	srv.tracer = provider.Tracer("test")

	rec := postRun(srv, `{}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "POST /v1/runs" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	attrs := spanAttrs(span)
	if attrs[attrRunOutcome].AsString() != outcomeAccepted {
		t.Fatalf("unexpected outcome attribute: %v", attrs[attrRunOutcome])
	}
	if attrs[attrRunID].AsString() == "" {
		t.Fatal("expected run id attribute")
	}
	if attrs["http.response.status_code"].AsInt64() != http.StatusAccepted {
		t.Fatalf("unexpected status attribute: %v", attrs["http.response.status_code"])
	}
	if span.Status().Code == codes.Error {
		t.Fatal("accepted run must not mark the span failed")
	}
}

func TestSpanMarksServerErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	srv, _ := newTestServer(t, &fakeQueue{err: errors.New("redis down")}, store.NewMemoryRunStore())
	srv.tracer = provider.Tracer("test")

	postRun(srv, `{}`)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status())
	}
	if got := spanAttrs(spans[0])[attrRunOutcome].AsString(); got != outcomeEnqueueFailed {
		t.Fatalf("unexpected outcome %q", got)
	}
}
