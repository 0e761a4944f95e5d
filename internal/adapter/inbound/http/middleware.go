// Package http provides the public HTTP transport for the gateway.
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/agentgate-io/agentgate/internal/ctxkey"
)

// MaxBodyBytes is the request-size guard applied before parsing.
const MaxBodyBytes = 1 << 20

// CorrelationIDKey is the context key for the correlation ID.
var CorrelationIDKey = ctxkey.CorrelationIDKey{}

// LoggerKey is the context key for the enriched logger.
// Uses the shared key type from ctxkey so the service can read it without an
// import cycle.
var LoggerKey = ctxkey.LoggerKey{}

// CorrelationIDMiddleware extracts or assigns X-Correlation-ID, echoes it in
// the response, and stores an enriched logger in the request context.
func CorrelationIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = uuid.New().String()
			}

			enriched := logger.With("correlation_id", correlationID)

			ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
			ctx = context.WithValue(ctx, LoggerKey, enriched)

			w.Header().Set("X-Correlation-ID", correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// BodyLimitMiddleware caps request bodies before any handler parses them.
func BodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
