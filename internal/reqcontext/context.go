// Package reqcontext carries per-request metadata (request id, correlation id,
// origin and a scoped logger) through context.Context.
package reqcontext

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ContextKey is the type for context keys to avoid collisions
type ContextKey string

const (
	RequestIDKey     ContextKey = "request_id"
	CorrelationIDKey ContextKey = "correlation_id"
	SourceKey        ContextKey = "request_source"
	LoggerKey        ContextKey = "logger"
)

const (
	// RequestIDHeader is the HTTP header name for request IDs
	RequestIDHeader = "X-Request-Id"
	// CorrelationIDHeader links a renderer action to every native call it causes
	CorrelationIDHeader = "X-Correlation-Id"

	MaxRequestIDLength = 256
)

// Source indicates where a request originated
type Source string

const (
	SourceHTTP     Source = "HTTP"     // asset and status routes
	SourceBridge   Source = "BRIDGE"   // renderer invoking a native capability
	SourceMenu     Source = "MENU"     // native menu click
	SourceInternal Source = "INTERNAL" // rebuilds, certificate rotation
	SourceUnknown  Source = "UNKNOWN"
)

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,256}$`)

// IsValidRequestID reports whether a client-supplied id is safe to echo and log
func IsValidRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	return requestIDPattern.MatchString(id)
}

// GenerateRequestID generates a new UUID v4 request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// GetOrGenerateRequestID returns the provided ID if valid, otherwise generates a new one
func GetOrGenerateRequestID(provided string) string {
	if IsValidRequestID(provided) {
		return provided
	}
	return GenerateRequestID()
}

// GenerateCorrelationID returns a sortable id; ordering by id orders by creation time
func GenerateCorrelationID() string {
	return ulid.Make().String()
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(CorrelationIDKey).(string)
	return id
}

func WithSource(ctx context.Context, source Source) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

// GetSource returns SourceUnknown when no source was recorded
func GetSource(ctx context.Context) Source {
	if ctx == nil {
		return SourceUnknown
	}
	if s, ok := ctx.Value(SourceKey).(Source); ok {
		return s
	}
	return SourceUnknown
}

// WithMetadata attaches a fresh correlation id and the given source
func WithMetadata(ctx context.Context, source Source) context.Context {
	return WithSource(WithCorrelationID(ctx, GenerateCorrelationID()), source)
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// Logger retrieves the scoped logger, or a nop logger if none was stored
func Logger(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(LoggerKey).(*zap.SugaredLogger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop().Sugar()
}
