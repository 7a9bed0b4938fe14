// Package middleware wraps the HTTP API with request correlation, logging,
// metrics, tracing and bearer-token authentication.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"lifeline/internal/metrics"
	"lifeline/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Observability assigns a request id, opens a span, and records request
// metrics and one log line per request.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)
			ctx, span := tracing.StartSpan(r.Context(), "http "+r.Method+" "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", ClientIP(r)),
			)
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = tracing.NewRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			metrics.AddToGauge("http_requests_active", 1, nil, "Requests being served")
			defer metrics.AddToGauge("http_requests_active", -1, nil, "Requests being served")

			rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(rw.statusCode)
			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", rw.statusCode),
				attribute.Int64("http.response.size", rw.size),
			)
			if rw.statusCode >= 500 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", rw.statusCode))
			}

			labels := map[string]string{"method": r.Method, "route": route, "status": status}
			metrics.IncrementCounter("http_requests_total", labels, "HTTP requests by route and status")
			metrics.RecordTimer("http_request_duration", duration, map[string]string{"method": r.Method, "route": route}, "HTTP request duration")

			level := logrus.InfoLevel
			switch {
			case rw.statusCode >= 500:
				level = logrus.ErrorLevel
			case rw.statusCode >= 400:
				level = logrus.WarnLevel
			case route == "/health" || route == "/metrics":
				level = logrus.DebugLevel
			}
			info := tracing.GetRequestInfo(ctx)
			logger.WithFields(logrus.Fields{
				"request_id":  info.RequestID,
				"trace_id":    info.TraceID,
				"method":      r.Method,
				"route":       route,
				"status_code": rw.statusCode,
				"duration_ms": duration.Milliseconds(),
				"size":        rw.size,
				"remote_ip":   ClientIP(r),
			}).Log(level, "HTTP request completed")
		})
	}
}

// routeTemplate keeps metric labels bounded by using the mux route pattern
// instead of the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.size += int64(n)
	return n, err
}

// Hijack hands the connection to the websocket upgrader.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.statusCode = http.StatusSwitchingProtocols
	rw.wroteHeader = true
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
