package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SecurityHeaders defines the headers applied to every API response.
type SecurityHeaders struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// APISecurityHeaders returns headers for a JSON-only API. TLS and HSTS are
// left to the fronting proxy.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
	}
}

// SecurityMiddleware wraps an http.Handler with security headers
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// Apply sets the non-empty headers on w.
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	set := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	set("Content-Security-Policy", sh.CSP)
	set("X-Frame-Options", sh.XFrameOptions)
	set("X-Content-Type-Options", sh.XContentTypeOptions)
	set("Referrer-Policy", sh.ReferrerPolicy)
}

// metricsMiddleware records request counts by chi route pattern so ids in
// paths do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	})
}

// requestLogger logs one debug line per request, warn for 5xx.
func requestLogger(next http.Handler) http.Handler {
	log := logger.New("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", ww.Header().Get("X-Request-ID")),
		}
		if ww.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	})
}

// limitHeaders rejects requests whose Authorization header is oversized
// before any parsing happens.
func limitHeaders(max int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.Header.Get("Authorization")) > max {
				http.Error(w, "authorization header too large", http.StatusRequestHeaderFieldsTooLarge)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
