// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nadmax/finboard/internal/metrics"
)

// UnmatchedEndpoint labels requests no route matched, so unknown paths do not
// grow label cardinality.
const UnmatchedEndpoint = "unmatched"

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records each request under the chi route pattern that
// served it. It must be installed with Use on a chi router.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, routePattern(r), status, duration)
	})
}

// routePattern is read after routing, once chi has filled the route context.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return UnmatchedEndpoint
	}
	// A bare mount pattern such as /api/* means the subrouter matched nothing.
	if pattern := rctx.RoutePattern(); pattern != "" && !strings.Contains(pattern, "*") {
		return pattern
	}

	return UnmatchedEndpoint
}
