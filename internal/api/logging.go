package api

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// JSONLogger emits structured logs with request id, status, and latency.
func JSONLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)

		reqID := middleware.GetReqID(r.Context())
		role := ""
		if id, ok := identityFromContext(r.Context()); ok {
			role = string(id.Role)
		}
		log.Printf(`{"ts":"%s","request_id":"%s","method":"%s","path":"%s","status":%d,"latency_ms":%.3f,"role":"%s"}`,
			time.Now().UTC().Format(time.RFC3339Nano),
			reqID,
			r.Method,
			r.URL.Path,
			rec.status,
			float64(time.Since(start).Microseconds())/1000,
			role,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection so websocket upgrades work
// through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Metrics accumulates request latency buckets and per-status counts,
// reported through the admin metrics endpoint.
type Metrics struct {
	latency  bucketCounter
	mu       sync.Mutex
	statuses map[int]int64
	total    int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		latency: newBucketCounter(map[float64]int64{
			0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0,
		}),
		statuses: make(map[int]int64),
	}
}

// Middleware records latency and response status for every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		m.latency.observe(time.Since(start))
		m.mu.Lock()
		m.statuses[rec.status]++
		m.total++
		m.mu.Unlock()
	})
}

// Report renders a snapshot for JSON serialization. Bucket keys are the
// upper bound in seconds.
func (m *Metrics) Report() map[string]any {
	buckets := m.latency.snapshot()
	bounds := make([]float64, 0, len(buckets))
	for le := range buckets {
		bounds = append(bounds, le)
	}
	sort.Float64s(bounds)
	latency := make(map[string]int64, len(buckets))
	for _, le := range bounds {
		latency[fmt.Sprintf("le_%g", le)] = buckets[le]
	}

	m.mu.Lock()
	statuses := make(map[string]int64, len(m.statuses))
	for code, n := range m.statuses {
		statuses[fmt.Sprintf("%d", code)] = n
	}
	total := m.total
	m.mu.Unlock()

	return map[string]any{
		"requests_total":     total,
		"requests_by_status": statuses,
		"latency_seconds":    latency,
	}
}

// bucketCounter accumulates counts for latency buckets.
type bucketCounter struct {
	mu      sync.Mutex
	buckets map[float64]int64
}

func newBucketCounter(buckets map[float64]int64) bucketCounter {
	return bucketCounter{buckets: buckets}
}

func (c *bucketCounter) observe(d time.Duration) {
	secs := d.Seconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	for le := range c.buckets {
		if secs <= le {
			c.buckets[le]++
		}
	}
}

func (c *bucketCounter) snapshot() map[float64]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[float64]int64, len(c.buckets))
	for k, v := range c.buckets {
		out[k] = v
	}
	return out
}
