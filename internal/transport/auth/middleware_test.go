package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protected(t *testing.T) http.Handler {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	mw := TokenMiddleware(map[string]string{"s3cret": "bursar"}, log)
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := GetOperator(r.Context())
		require.NoError(t, err)
		_, _ = w.Write([]byte(op))
	}))
}

func TestTokenMiddleware(t *testing.T) {
	h := protected(t)

	tests := []struct {
		name   string
		target string
		header string
		code   int
		body   string
	}{
		{name: "bearer header", target: "/plans", header: "Bearer s3cret", code: http.StatusOK, body: "bursar"},
		{name: "query token", target: "/ws?token=s3cret", code: http.StatusOK, body: "bursar"},
		{name: "missing token", target: "/plans", code: http.StatusUnauthorized},
		{name: "unknown token", target: "/plans", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "not a bearer header", target: "/plans", header: "Basic s3cret", code: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestGetOperator(t *testing.T) {
	_, err := GetOperator(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.Error(t, err)

	op, err := GetOperator(WithOperator(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "clerk"))
	require.NoError(t, err)
	assert.Equal(t, "clerk", op)
}
