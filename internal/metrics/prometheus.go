// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// clawrouter_inflight_requests
	inFlight prometheus.Gauge

	// clawrouter_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// clawrouter_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// clawrouter_routing_decisions_total{tier,method}
	routingDecisions *prometheus.CounterVec

	// clawrouter_routing_confidence
	routingConfidence prometheus.Histogram

	// clawrouter_savings_ratio
	savingsRatio prometheus.Histogram

	// clawrouter_payment_signatures_total{outcome}
	paymentSignatures *prometheus.CounterVec

	// clawrouter_payment_preauth_total{result}
	paymentPreauth *prometheus.CounterVec

	// clawrouter_dedup_total{role}
	dedupTotal *prometheus.CounterVec

	// clawrouter_upstream_attempts_total{model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// clawrouter_upstream_attempt_duration_seconds{model,outcome}
	upstreamDuration *prometheus.HistogramVec

	// clawrouter_heartbeats_total
	heartbeats prometheus.Counter

	// clawrouter_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clawrouter_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrouter_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawrouter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes dedup + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrouter_routing_decisions_total",
				Help: "Routing decisions by tier and method",
			},
			[]string{"tier", "method"},
		),

		routingConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clawrouter_routing_confidence",
			Help:    "Calibrated confidence of routing decisions",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 11),
		}),

		savingsRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clawrouter_savings_ratio",
			Help:    "Estimated cost savings versus the baseline reasoning model",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		paymentSignatures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrouter_payment_signatures_total",
				Help: "Payment authorization signatures by outcome",
			},
			[]string{"outcome"},
		),

		paymentPreauth: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrouter_payment_preauth_total",
				Help: "Pre-auth cache lookups by result",
			},
			[]string{"result"},
		),

		dedupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrouter_dedup_total",
				Help: "Dedup cache outcomes by role (origin, subscriber, replay)",
			},
			[]string{"role"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrouter_upstream_attempts_total",
				Help: "Total upstream attempts (includes fallbacks and payment retries)",
			},
			[]string{"model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawrouter_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"model", "outcome"},
		),

		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clawrouter_heartbeats_total",
			Help: "SSE heartbeat comments emitted while waiting for upstream bytes",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clawrouter_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.routingDecisions,
		r.routingConfidence,
		r.savingsRatio,
		r.paymentSignatures,
		r.paymentPreauth,
		r.dedupTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.heartbeats,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRouting records one routing decision.
func (r *Registry) ObserveRouting(tier, method string, confidence, savings float64) {
	r.routingDecisions.WithLabelValues(tier, method).Inc()
	r.routingConfidence.Observe(confidence)
	r.savingsRatio.Observe(savings)
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(model, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordSignature(outcome string) {
	r.paymentSignatures.WithLabelValues(outcome).Inc()
}

func (r *Registry) PreauthHit()  { r.paymentPreauth.WithLabelValues("hit").Inc() }
func (r *Registry) PreauthMiss() { r.paymentPreauth.WithLabelValues("miss").Inc() }

func (r *Registry) RecordDedup(role string) {
	r.dedupTotal.WithLabelValues(role).Inc()
}

func (r *Registry) RecordHeartbeat() { r.heartbeats.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
