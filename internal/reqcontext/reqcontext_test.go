package reqcontext

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"UUID format", "a1b2c3d4-e5f6-7890-abcd-ef1234567890", true},
		{"Simple alphanumeric", "abc123", true},
		{"With underscores", "request_123_abc", true},
		{"Single character", "x", true},
		{"Max length (256)", strings.Repeat("a", 256), true},

		{"Empty string", "", false},
		{"Too long (257)", strings.Repeat("a", 257), false},
		{"Contains space", "request 123", false},
		{"Contains angle brackets", "<script>", false},
		{"Contains newline", "abc\ndef", false},
		{"Contains slash", "path/to/resource", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidRequestID(tt.id))
		})
	}
}

func TestGeneratedIDs(t *testing.T) {
	_, err := uuid.Parse(GenerateRequestID())
	assert.NoError(t, err)

	a, b := GenerateCorrelationID(), GenerateCorrelationID()
	assert.NotEqual(t, a, b)
	_, err = ulid.Parse(a)
	assert.NoError(t, err)
	assert.True(t, IsValidRequestID(a))
}

func TestGetOrGenerateRequestID(t *testing.T) {
	assert.Equal(t, "client-id", GetOrGenerateRequestID("client-id"))

	generated := GetOrGenerateRequestID("<bad>")
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}

func TestContextAccessorsDefaults(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetCorrelationID(ctx))
	assert.Equal(t, SourceUnknown, GetSource(ctx))
	assert.NotNil(t, Logger(ctx))

	ctx = WithMetadata(ctx, SourceBridge)
	assert.Equal(t, SourceBridge, GetSource(ctx))
	assert.NotEmpty(t, GetCorrelationID(ctx))
}

func TestMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var seen context.Context
	h := Middleware(zap.New(core).Sugar())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = r.Context()
		Logger(r.Context()).Info("inside")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	req.Header.Set(CorrelationIDHeader, "<not valid>")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NotNil(t, seen)
	assert.Equal(t, "abc-123", GetRequestID(seen))
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.NotEqual(t, "<not valid>", GetCorrelationID(seen))
	assert.Equal(t, GetCorrelationID(seen), rec.Header().Get(CorrelationIDHeader))
	assert.Equal(t, SourceHTTP, GetSource(seen))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "abc-123", fields["request_id"])
}
