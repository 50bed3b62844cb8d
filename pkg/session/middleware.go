package session

import (
	"errors"
	"net/http"

	"github.com/collapp/panel/pkg/httputil"
	"github.com/collapp/panel/pkg/observability"
)

// Middleware gates routes behind an authenticated session. It checks session
// presence only; admin authorization happens inside the moderation service.
type Middleware struct {
	sessions Source
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewMiddleware creates the session middleware. metrics may be nil.
func NewMiddleware(sessions Source, logger *observability.Logger, metrics *observability.Metrics) *Middleware {
	return &Middleware{
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handler rejects requests without a valid session cookie with 401 and
// attaches the session's user to the context otherwise.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CookieName)
		if err != nil || cookie.Value == "" {
			m.count("miss")
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		sess, err := m.sessions.GetSession(r.Context(), cookie.Value)
		if errors.Is(err, ErrNotFound) {
			m.count("expired")
			httputil.WriteUnauthorized(w, "invalid or expired session")
			return
		}
		if err != nil {
			m.logger.WithError(err).Error("session lookup failed")
			httputil.WriteInternalError(w, errors.New("session lookup failed"))
			return
		}

		m.count("hit")
		ctx := WithUser(r.Context(), User{Email: sess.Email, Name: sess.Name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) count(result string) {
	if m.metrics != nil {
		m.metrics.SessionLookupsTotal.WithLabelValues(result).Inc()
	}
}
