package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"facegate.org/internal/audit"
	"facegate.org/internal/auth"
)

const grantClientCredentials = "client_credentials"

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleToken implements the OAuth2 client_credentials grant. Credentials may
// come as a form, a JSON body or HTTP Basic auth.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(w, r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.GrantType != grantClientCredentials {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "only client_credentials is supported")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and client_secret are required")
		return
	}

	tok, err := a.authority.IssueToken(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			a.trail.LogAuthEvent(r.Context(), req.ClientID, "token_request", audit.OutcomeDenied, "invalid_client")
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
		a.logger.Error("issue token", zap.Error(err))
		a.trail.LogAuthEvent(r.Context(), req.ClientID, "token_request", audit.OutcomeError, "server_error")
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "token issuance failed")
		return
	}

	a.trail.LogAuthEvent(r.Context(), req.ClientID, "token_issued", audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tok.ExpiresAt.Sub(tok.IssuedAt).Seconds()),
	})
}

func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, error) {
	var req tokenRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := decodeJSON(w, r, &req, false); err != nil {
			return req, err
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.GrantType = r.PostForm.Get("grant_type")
		req.ClientID = r.PostForm.Get("client_id")
		req.ClientSecret = r.PostForm.Get("client_secret")
	}
	if id, secret, ok := r.BasicAuth(); ok && req.ClientID == "" {
		req.ClientID, req.ClientSecret = id, secret
	}
	req.GrantType = strings.TrimSpace(req.GrantType)
	req.ClientID = strings.TrimSpace(req.ClientID)
	return req, nil
}

func writeOAuthError(w http.ResponseWriter, code int, kind, desc string) {
	writeJSON(w, code, map[string]string{
		"error":             kind,
		"error_description": desc,
	})
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(a.authority.JWKS())
}
