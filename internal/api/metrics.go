package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/packtivity/internal/backend"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "packtivity_http_requests_total",
		Help: "HTTP requests served, by method, route and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "packtivity_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "packtivity_http_requests_in_flight",
		Help: "HTTP requests currently being served, log streams included.",
	})

	activitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "packtivity_api_activities_total",
		Help: "Activity operations served over HTTP, by operation, backend and diagnostic code.",
	}, []string{"op", "backend", "code"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInFlight, activitiesTotal)
}

// metricsMiddleware counts and times requests. Routes are labelled by their
// chi pattern so task ids never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			httpInFlight.Dec()
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			path := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(ww, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatched
}

// countActivity records one activity operation. code is empty on success.
func countActivity(op, backendName string, err error) {
	code := ""
	if err != nil {
		code = backend.DiagnosticFrom(err).Code
	}
	activitiesTotal.WithLabelValues(op, backendName, code).Inc()
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
