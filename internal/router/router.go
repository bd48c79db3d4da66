// Package router selects a healthy gateway instance per inbound request and
// relays the full request/response cycle, including streamed bodies.
package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/internal/health"
)

const maxBufferedBody = 10 << 20

// HealthSource supplies the instance classification maintained by the
// health monitor. The router only reads it.
type HealthSource interface {
	Snapshot() []health.Instance
	Healthy() []health.Instance
}

// Router distributes requests across healthy gateway instances with
// round-robin selection and a single pre-response-byte failover.
type Router struct {
	health    HealthSource
	transport http.RoundTripper
	logger    *slog.Logger
	cursor    atomic.Uint64
	total     atomic.Int64
	routed    map[string]*atomic.Int64
}

// NewRouter creates a router over the statically configured instance
// addresses. The per-instance counters are fixed at construction; only their
// values change afterwards.
func NewRouter(healthSource HealthSource, addresses []string, logger *slog.Logger) *Router {
	routed := make(map[string]*atomic.Int64, len(addresses))
	for _, addr := range addresses {
		routed[addr] = &atomic.Int64{}
	}
	return &Router{
		health:    healthSource,
		transport: http.DefaultTransport,
		logger:    logger.With("component", "router"),
		routed:    routed,
	}
}

// ServeHTTP relays one request to a healthy instance. If no instance is
// healthy the request fails with 503 without contacting anyone.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	healthy := r.health.Healthy()
	if len(healthy) == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}

	// The body is buffered so a failed connection attempt can be retried
	// against another instance. One byte past the cap distinguishes an
	// oversized body from one of exactly the maximum size.
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBufferedBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxBufferedBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	idx := r.cursor.Add(1) - 1
	target := healthy[idx%uint64(len(healthy))]

	cw := &countingWriter{ResponseWriter: w}
	proxyErr := r.forward(cw, req, target.Address, body)
	if proxyErr == nil {
		r.count(target.Address)
		return
	}

	if errors.Is(proxyErr, context.Canceled) {
		// Client went away; nothing to recover.
		r.logger.Warn("Client disconnected", "address", target.Address)
		return
	}

	// Failover is only safe before any response bytes have reached the
	// client: the first attempt may already have been billed upstream.
	if cw.wrote() {
		r.logger.Error("Relay failed mid-response, surfacing as terminal", "address", target.Address, "error", proxyErr)
		return
	}

	r.logger.Warn("Instance failed to accept request, retrying once", "address", target.Address, "error", proxyErr)
	if fallback, ok := pickFallback(healthy, idx, target.Address); ok {
		cw = &countingWriter{ResponseWriter: w}
		if retryErr := r.forward(cw, req, fallback.Address, body); retryErr == nil {
			r.count(fallback.Address)
			return
		} else if cw.wrote() || errors.Is(retryErr, context.Canceled) {
			r.logger.Error("Retry failed mid-response", "address", fallback.Address, "error", retryErr)
			return
		}
	}

	writeJSONError(w, http.StatusBadGateway, "Gateway error")
}

// pickFallback finds the next healthy instance after idx with a different
// address than the failed one.
func pickFallback(healthy []health.Instance, idx uint64, failed string) (health.Instance, bool) {
	n := uint64(len(healthy))
	for i := uint64(1); i < n; i++ {
		candidate := healthy[(idx+i)%n]
		if candidate.Address != failed {
			return candidate, true
		}
	}
	return health.Instance{}, false
}

// forward relays the request to one instance through a reverse proxy that
// flushes every chunk immediately, so streamed responses reach the client
// without whole-response buffering.
func (r *Router) forward(w http.ResponseWriter, req *http.Request, address string, body []byte) error {
	target, err := url.Parse(address)
	if err != nil {
		return err
	}

	var proxyErr error
	proxy := &httputil.ReverseProxy{
		Director: func(out *http.Request) {
			out.URL.Scheme = target.Scheme
			out.URL.Host = target.Host
			out.Host = target.Host
		},
		Transport:     r.transport,
		FlushInterval: -1,
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			// Recorded for the caller; the response is written there so a
			// pre-byte failure can still fail over.
			proxyErr = err
		},
	}

	outReq := req.Clone(req.Context())
	outReq.Body = io.NopCloser(bytes.NewReader(body))
	outReq.ContentLength = int64(len(body))

	proxy.ServeHTTP(w, outReq)
	return proxyErr
}

func (r *Router) count(address string) {
	r.total.Add(1)
	if counter, ok := r.routed[address]; ok {
		counter.Add(1)
	}
}

// instanceStats is the per-instance entry of the /stats payload.
type instanceStats struct {
	URL             string    `json:"url"`
	Status          string    `json:"status"`
	Healthy         bool      `json:"healthy"`
	RequestCount    int64     `json:"request_count"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// StatsHandler reports the aggregate request counts per instance. Counters
// are best-effort atomics, not a consistent snapshot.
func (r *Router) StatsHandler(c *gin.Context) {
	snapshot := r.health.Snapshot()
	stats := make([]instanceStats, len(snapshot))
	for i, inst := range snapshot {
		var count int64
		if counter, ok := r.routed[inst.Address]; ok {
			count = counter.Load()
		}
		stats[i] = instanceStats{
			URL:             inst.Address,
			Status:          inst.Status.String(),
			Healthy:         inst.Status == health.StatusHealthy,
			RequestCount:    count,
			LastHealthCheck: inst.LastCheckedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total_requests": r.total.Load(),
		"gateway_stats":  stats,
	})
}

// HealthHandler reports the liveness of the routing tier: healthy as long as
// at least one gateway instance is routable.
func (r *Router) HealthHandler(c *gin.Context) {
	snapshot := r.health.Snapshot()
	healthyCount := 0
	for _, inst := range snapshot {
		if inst.Status == health.StatusHealthy {
			healthyCount++
		}
	}
	status := "healthy"
	code := http.StatusOK
	if healthyCount == 0 {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":           status,
		"healthy_gateways": healthyCount,
		"total_gateways":   len(snapshot),
		"gateways":         snapshot,
	})
}

// countingWriter tracks whether response bytes or headers have been sent, to
// decide if failover is still safe.
type countingWriter struct {
	http.ResponseWriter
	bytes       int64
	wroteHeader bool
}

func (w *countingWriter) WriteHeader(statusCode int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *countingWriter) wrote() bool {
	return w.wroteHeader || w.bytes > 0
}

// Flush lets the reverse proxy stream through the wrapper.
func (w *countingWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap supports http.ResponseController passthrough.
func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"error": "` + message + `"}`))
}
