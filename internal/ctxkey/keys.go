// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with correlation_id fields.
type LoggerKey struct{}

// CorrelationIDKey is the context key type for the request correlation ID.
// Assigned by middleware when the X-Correlation-ID header is absent.
type CorrelationIDKey struct{}

// AdminIdentityKey is the context key type for the authenticated admin identity.
type AdminIdentityKey struct{}
