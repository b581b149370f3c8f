package httpapi

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAdmin guards employee operations with the operator token. The
// server only holds a bcrypt hash of the token, never the token itself.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminTokenHash == "" {
			respondError(w, http.StatusForbidden, "ADMIN_DISABLED", "admin endpoints are not configured")
			return
		}
		token := extractToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.adminTokenHash), []byte(token)); err != nil {
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected admin token")
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}
