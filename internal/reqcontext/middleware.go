package reqcontext

import (
	"net/http"

	"go.uber.org/zap"
)

// Middleware tags each request with a request id, a correlation id and a
// logger carrying both. Client-supplied ids are kept only when well formed.
// Headers are set before next runs so they survive a panic.
func Middleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetOrGenerateRequestID(r.Header.Get(RequestIDHeader))

			correlationID := r.Header.Get(CorrelationIDHeader)
			if !IsValidRequestID(correlationID) {
				correlationID = GenerateCorrelationID()
			}

			w.Header().Set(RequestIDHeader, requestID)
			w.Header().Set(CorrelationIDHeader, correlationID)

			ctx := WithRequestID(r.Context(), requestID)
			ctx = WithCorrelationID(ctx, correlationID)
			if GetSource(ctx) == SourceUnknown {
				ctx = WithSource(ctx, SourceHTTP)
			}
			ctx = WithLogger(ctx, logger.With("request_id", requestID, "correlation_id", correlationID))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
