package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	return string(body)
}

func TestHandlerExposesHTTPAndToolMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/query", "POST", 200, 120*time.Millisecond)
	ObserveHTTPRequest("/api/query", "POST", 502, 3*time.Second)
	Tools().ObserveToolCall("check-balance", "success", 1, 200*time.Millisecond)
	Tools().ObserveToolCall("check-balance", "timeout", 3, 45*time.Second)

	text := scrape(t)
	for _, want := range []string{
		`evmagent_http_requests_total{code="200",handler="/api/query",method="POST"}`,
		`evmagent_http_request_errors_total{handler="/api/query",method="POST"}`,
		`evmagent_tool_calls_total{outcome="success",tool="check-balance"}`,
		`evmagent_tool_calls_total{outcome="timeout",tool="check-balance"}`,
		`evmagent_tool_call_duration_seconds_bucket{tool="check-balance",le="+Inf"}`,
		`go_goroutines`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %s:\n%s", want, text)
		}
	}
}

func TestServerErrorsAreCountedSeparately(t *testing.T) {
	before := testutil.ToFloat64(httpErrors.WithLabelValues("/api/reset", "POST"))
	ObserveHTTPRequest("/api/reset", "POST", 204, time.Millisecond)
	ObserveHTTPRequest("/api/reset", "POST", 500, time.Millisecond)

	if got := testutil.ToFloat64(httpErrors.WithLabelValues("/api/reset", "POST")) - before; got != 1 {
		t.Fatalf("expected one server error, got %v", got)
	}
}

func TestToolAttemptsAccumulate(t *testing.T) {
	Tools().ObserveToolCall("swap", "transport", 3, time.Second)
	Tools().ObserveToolCall("swap", "success", 1, time.Second)
	Tools().ObserveToolCall("swap", "not_found", 0, 0)

	if got := testutil.ToFloat64(toolAttempts.WithLabelValues("swap")); got != 4 {
		t.Fatalf("expected 4 attempts, got %v", got)
	}
	if got := testutil.CollectAndCount(toolCalls, "evmagent_tool_calls_total"); got < 3 {
		t.Fatalf("expected at least three outcome series, got %d", got)
	}
}
