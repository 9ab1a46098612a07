package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"facegate.org/internal/audit"
	"facegate.org/internal/auth"
)

const (
	authHeader     = "Authorization"
	bearer         = "Bearer "
	adminKeyHeader = "X-Admin-Key"
)

var errMissingBearer = errors.New("missing bearer token")

// authenticate resolves the caller from the Authorization header, falling
// back to the access_token carried in the tool-call body. A failure is
// audited and reported as a 401 before any tool logic runs.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request, bodyToken string) (*auth.Claims, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if errors.Is(err, errMissingBearer) {
		token, err = strings.TrimSpace(bodyToken), nil
	}
	if err != nil {
		a.denyAuth(w, r, "", "invalid_scheme")
		return nil, false
	}

	v := a.authority.Authenticate(r.Context(), token)
	if !v.OK() {
		a.denyAuth(w, r, "", string(v.Reason()))
		return nil, false
	}
	return v.Claims(), true
}

func (a *API) denyAuth(w http.ResponseWriter, r *http.Request, clientID, reason string) {
	a.trail.LogAuthEvent(r.Context(), clientID, "verify_token", audit.OutcomeDenied, reason)
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSON(w, http.StatusUnauthorized, toolResponse{
		Status:    statusError,
		Message:   "authentication failed: " + reason,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

// requireAdmin guards client administration with a shared key.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminKey == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		got := r.Header.Get(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.adminKey)) != 1 {
			a.trail.LogClientEvent(r.Context(), "admin_access", "", audit.ErrAdminDenied)
			writeError(w, r, http.StatusForbidden, "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
