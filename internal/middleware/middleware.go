package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/metrics"
)

type userKey struct{}

// UserFrom returns the basic-auth user that passed BasicAuthMiddleware.
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

func BasicAuthMiddleware(user, pass string, methods ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !methodInList(r.Method, methods) {
				next.ServeHTTP(w, r)
				return
			}
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != pass {
				w.Header().Set("WWW-Authenticate", `Basic realm="passkeeper"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
		})
	}
}

func LogMiddleware(methods ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !methodInList(r.Method, methods) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration", time.Since(start).String(),
				"user", UserFrom(r.Context()),
			)
		})
	}
}

// Instrument records request count and latency under handlerName.
func Instrument(handlerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)

			metrics.HTTPRequestDuration.WithLabelValues(handlerName, r.Method).Observe(time.Since(start).Seconds())
			metrics.HTTPRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(rw.statusCode)).Inc()
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func methodInList(method string, methods []string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
