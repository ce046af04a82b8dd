package handler

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

const requestIDHeader = "X-Request-Id"

// RequestID takes the inbound X-Request-Id or mints one, echoes it on the
// response and stores it for outgoing calls.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := client.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recovery turns a handler panic into a 500 with the standard error body.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				hlog.FromRequest(r).Error().
					Interface("panic", p).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from handler panic")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"code":"` + string(errors.ErrCodeInternal) + `","message":"internal error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Wrap applies the middleware stack: tracing, logger injection, request id,
// access log, recovery and the per-request timeout.
func Wrap(h http.Handler, log *logger.Logger, timeout time.Duration) http.Handler {
	if timeout > 0 {
		h = http.TimeoutHandler(h, timeout, `{"code":"DEPENDENCY_UNAVAILABLE","message":"request timed out"}`)
	}
	h = Recovery(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	})(h)
	h = requestIDLogField(h)
	h = RequestID(h)
	h = hlog.NewHandler(log.Logger)(h)
	return otelhttp.NewHandler(h, "approvals.http")
}

// requestIDLogField tags the request logger with the request id.
func requestIDLogField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := client.RequestIDFromContext(r.Context()); id != "" {
			l := hlog.FromRequest(r).With().Str("request_id", id).Logger()
			r = r.WithContext(l.WithContext(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}
