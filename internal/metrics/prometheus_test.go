package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

// scrape runs the /metrics handler and returns the exposition text.
func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("scrape status = %d", ctx.Response.StatusCode())
	}
	return string(ctx.Response.Body())
}

// TestAllFamiliesExported verifies every recorder method lands a series in
// the private registry.
func TestAllFamiliesExported(t *testing.T) {
	r := New()

	r.IncInFlight()
	r.ObserveHTTP("chat_completions", 200, 15*time.Millisecond)
	r.ObserveRouting("SIMPLE", "scored", 0.9, 0.98)
	r.ObserveUpstreamAttempt("meta/llama-3.3-70b-instruct", "status_200", 20*time.Millisecond)
	r.RecordSignature("ok")
	r.PreauthHit()
	r.PreauthMiss()
	r.RecordDedup("origin")
	r.RecordHeartbeat()
	r.SetBuildInfo("test")

	body := scrape(t, r)
	for _, name := range []string{
		"clawrouter_inflight_requests",
		"clawrouter_http_requests_total",
		"clawrouter_http_request_duration_seconds",
		"clawrouter_routing_decisions_total",
		"clawrouter_routing_confidence",
		"clawrouter_savings_ratio",
		"clawrouter_payment_signatures_total",
		"clawrouter_payment_preauth_total",
		"clawrouter_dedup_total",
		"clawrouter_upstream_attempts_total",
		"clawrouter_upstream_attempt_duration_seconds",
		"clawrouter_heartbeats_total",
		"clawrouter_build_info",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %s not exported", name)
		}
	}
}

// TestInFlightGauge verifies the gauge tracks inc and dec.
func TestInFlightGauge(t *testing.T) {
	r := New()
	r.IncInFlight()
	r.IncInFlight()
	r.DecInFlight()

	if !strings.Contains(scrape(t, r), "clawrouter_inflight_requests 1") {
		t.Error("inflight gauge should read 1")
	}
}

// TestHTTPLabels verifies route and status label values.
func TestHTTPLabels(t *testing.T) {
	r := New()
	r.ObserveHTTP("chat_completions", 402, time.Millisecond)

	body := scrape(t, r)
	want := `clawrouter_http_requests_total{route="chat_completions",status="402"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("missing series %q", want)
	}
}

// TestBuildInfo verifies the version label on the build gauge.
func TestBuildInfo(t *testing.T) {
	r := New()
	r.SetBuildInfo("1.2.3")

	body := scrape(t, r)
	if !strings.Contains(body, `clawrouter_build_info{version="1.2.3"} 1`) {
		t.Errorf("build info missing: %.200s", body)
	}
}

// TestRuntimeCollectors verifies the Go and process collectors are registered
// even on the private registry.
func TestRuntimeCollectors(t *testing.T) {
	body := scrape(t, New())
	if !strings.Contains(body, "go_goroutines") {
		t.Error("go collector missing")
	}
}
