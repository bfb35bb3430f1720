package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Middleware instruments HTTP requests with Prometheus metrics: in-flight
// gauge, request counter and duration histogram, labeled by the stable mux
// route template rather than the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		HTTPRequestsInFlight.Inc()
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		HTTPRequestsInFlight.Dec()
		// A hijacked connection (WebSocket upgrade) no longer has a normal
		// HTTP lifecycle; skip recording it.
		if rw.hijacked {
			return
		}
		code := strconv.Itoa(rw.statusCode)
		method := strings.ToUpper(r.Method)
		HTTPRequestDuration.WithLabelValues(code, method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(code, method, route).Inc()
	})
}

// responseWriter captures the status code and tracks hijacking so metrics
// are not recorded for upgraded connections.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.hijacked {
		return
	}
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.hijacked {
		return len(b), nil
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker so WebSocket upgrades work through the
// middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker is not implemented by the underlying http.ResponseWriter")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
	}
	return conn, buf, err
}
