package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client kinds on the request metrics.
const (
	ClientAgent    = "agent"
	ClientObserver = "observer"
	ClientUser     = "user"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbvault_http_requests_total",
			Help: "HTTP requests by route, status and client kind",
		},
		[]string{"method", "route", "status", "client"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, WebSocket sessions excluded",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "client"},
	)

	agentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbvault_agent_requests_total",
			Help: "Requests that named an agent, by agent id and route",
		},
		[]string{"agent_id", "route", "status"},
	)

	wsSessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbvault_ws_session_duration_seconds",
			Help:    "Lifetime of upgraded WebSocket connections",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600},
		},
		[]string{"client"},
	)
)

// Metrics is a chi middleware that records request metrics labelled with the
// route pattern and the kind of client. Requests carrying an agentId query
// parameter are also counted per agent.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		client := clientKind(r, route)
		status := strconv.Itoa(ww.status)

		httpRequestsTotal.WithLabelValues(r.Method, route, status, client).Inc()
		if ww.hijacked {
			wsSessionDuration.WithLabelValues(client).Observe(duration)
		} else {
			httpRequestDuration.WithLabelValues(r.Method, route, client).Observe(duration)
		}
		if id := r.URL.Query().Get("agentId"); id != "" {
			agentRequestsTotal.WithLabelValues(id, route, status).Inc()
		}
	})
}

// clientKind tells agents from browsers. Agents open the socket with agentId
// and call the /agents endpoints other than the listing; observers open it
// with userId.
func clientKind(r *http.Request, route string) string {
	q := r.URL.Query()
	switch {
	case q.Get("agentId") != "":
		return ClientAgent
	case strings.HasSuffix(route, "/ws") && q.Get("userId") != "":
		return ClientObserver
	case r.Method == http.MethodPost && strings.HasSuffix(route, "/agents"),
		strings.HasSuffix(route, "/agents/heartbeat"):
		return ClientAgent
	}
	return ClientUser
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack implements http.Hijacker so WebSocket upgrades work through middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}
