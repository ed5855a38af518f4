package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/copypaste/relay-server-go/internal/audit"
	"github.com/copypaste/relay-server-go/internal/httputil"
	"github.com/copypaste/relay-server-go/internal/util"
)

const adminUser = "admin"

// AdminAuthMiddleware guards the admin endpoints with HTTP basic auth checked
// against a bcrypt hash. Without a configured hash every request is refused.
type AdminAuthMiddleware struct {
	passwordHash string
}

func NewAdminAuthMiddleware(passwordHash string) *AdminAuthMiddleware {
	if passwordHash == "" {
		log.Warn().Msg("ADMIN_PASSWORD_HASH not set: admin endpoints disabled")
	}
	return &AdminAuthMiddleware{passwordHash: passwordHash}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.passwordHash == "" {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "Admin access is not configured",
			})
			return
		}

		user, password, ok := r.BasicAuth()
		if !ok || user != adminUser || !util.CheckPasswordHash(password, m.passwordHash) {
			if ok {
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventAuthFailure,
					Details: map[string]interface{}{"path": r.URL.Path},
				})
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="relay admin"`)
			httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
