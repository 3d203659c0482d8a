package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"renki.org/internal/audit"
	"renki.org/internal/auth"
)

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  auth.User `json:"user"`
	Key   string    `json:"key"`
	Token string    `json:"token,omitempty"`
	// TokenExpiresAt accompanies Token when session tokens are enabled.
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "name and password are required")
		return
	}

	user, rawKey, err := a.keys.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	resp := loginResponse{User: user, Key: rawKey}
	if a.tokens != nil {
		principal, err := a.keys.Principal(r.Context(), rawKey)
		if err == nil {
			if token, expires, err := a.tokens.Generate(principal); err == nil {
				resp.Token = token
				resp.TokenExpiresAt = &expires
			}
		}
	}

	_ = audit.LogEvent(r.Context(), "auth.key.issued", map[string]any{
		"user_id": user.ID,
		"name":    user.Name,
	})

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	rawKey, ok := auth.RawKeyFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "logout requires API-key authentication")
		return
	}
	if err := a.keys.Revoke(r.Context(), rawKey); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "key not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.key.revoked", nil)

	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
