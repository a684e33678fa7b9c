package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const OperatorKey ctxKey = "operator"

// TokenMiddleware authenticates requests against static API tokens mapped to
// operator ids. The token is read from the Authorization bearer header and
// falls back to the "token" query parameter (websocket connections).
func TokenMiddleware(tokens map[string]string, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("request without token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			operator, ok := lookup(tokens, token)
			if !ok {
				log.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"remote": r.RemoteAddr,
				}).Warn("rejected unknown api token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), operator)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// lookup compares every configured token in constant time.
func lookup(tokens map[string]string, token string) (string, bool) {
	var operator string
	found := false
	for candidate, op := range tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			operator = op
			found = true
		}
	}
	return operator, found
}

// WithOperator returns ctx carrying an authenticated operator id.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, OperatorKey, operator)
}

func GetOperator(ctx context.Context) (string, error) {
	operator, ok := ctx.Value(OperatorKey).(string)
	if !ok || operator == "" {
		return "", errors.New("operator not found in context")
	}
	return operator, nil
}
