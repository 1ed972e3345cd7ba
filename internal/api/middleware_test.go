package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("generates an id when absent", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		got := w.Header().Get("X-Request-ID")
		require.NotEmpty(t, got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
	})

	t.Run("propagates a caller-supplied id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "req-abc-123")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, "req-abc-123", w.Header().Get("X-Request-ID"))
	})
}

func TestLoggingMiddlewareCapturesStatus(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestCallerID(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	_, ok := callerID(req)
	assert.False(t, ok)

	id := uuid.New()
	req.Header.Set("X-User-ID", id.String())
	got, ok := callerID(req)
	require.True(t, ok)
	assert.Equal(t, id, got)
}
