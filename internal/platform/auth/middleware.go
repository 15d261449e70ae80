package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/platform/httpserver"
)

// Middleware authenticates every request except those under SkipPrefixes
// and stores the identity in the request context.
type Middleware struct {
	Logger        *zap.Logger
	Authenticator Authenticator
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.logDeny(r, reason, err)
			requestID, _ := httpserver.RequestIDFromContext(r.Context())
			httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{
				"error":      reason,
				"message":    "authentication required",
				"request_id": requestID,
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) logDeny(r *http.Request, reason string, err error) {
	if m.Logger == nil {
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	m.Logger.Warn("auth deny",
		zap.String("reason", reason),
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}
