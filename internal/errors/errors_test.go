package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorWrapping(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := fmt.Errorf("list: %w", DatabaseError("query", cause))

	appErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeDatabase, appErr.Type)
	assert.Equal(t, SeverityHigh, appErr.Severity)
	assert.ErrorIs(t, err, cause)
	assert.NotEmpty(t, appErr.StackTrace)
	assert.Equal(t, "[database:DATABASE_ERROR] database query failed", appErr.Error())

	_, ok = As(cause)
	assert.False(t, ok)
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		errType ErrorType
		details string
	}{
		{"validation", ValidationError("INVALID_PUBKEY", "bad pubkey").WithDetails("must be 64 hex"), http.StatusBadRequest, ErrorTypeValidation, "must be 64 hex"},
		{"forbidden", AuthorizationError("modify whitelist", "not an admin"), http.StatusForbidden, ErrorTypeAuthorization, "not an admin"},
		{"not found", NotFoundError("whitelist entry"), http.StatusNotFound, ErrorTypeNotFound, ""},
		{"conflict", ConflictError("whitelist entry"), http.StatusConflict, ErrorTypeConflict, ""},
		{"rate limit", RateLimitError("api"), http.StatusTooManyRequests, ErrorTypeRateLimit, ""},
		{"plain error hides cause", stderrors.New("secret dsn"), http.StatusInternalServerError, ErrorTypeInternal, ""},
	}
	em := NewErrorMiddleware()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
			req = req.WithContext(WithRequestID(req.Context(), "req-1"))
			em.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.code, rec.Code)
			assert.NotContains(t, rec.Body.String(), "secret dsn")
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.errType, resp.Error.Type)
			assert.Equal(t, tt.details, resp.Error.Details)
			assert.Equal(t, "req-1", resp.Error.RequestID)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	em := NewErrorMiddleware()
	h := RequestIDMiddleware(em.RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PANIC_RECOVERED", resp.Error.Code)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.Error.RequestID)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	given := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, given)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, given, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", seen)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestWrapHandler(t *testing.T) {
	em := NewErrorMiddleware()
	ok := em.Wrap(func(w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	failing := em.Wrap(func(http.ResponseWriter, *http.Request) error {
		return NotFoundError("entry")
	})
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
