package httpapi

import (
	"net/http"
	"strings"

	"shopfloor.dev/internal/audit"
	"shopfloor.dev/internal/auth"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if !decodeOrFail(w, r, &creds, false) {
		return
	}
	pair, err := a.auth.Login(r.Context(), creds)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"username": strings.TrimSpace(creds.Username),
			"reason":   err.Error(),
		})
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"username":    strings.TrimSpace(creds.Username),
		"remember_me": creds.RememberMe,
	})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) revoke(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	if err := a.auth.Revoke(r.Context(), req.RefreshToken); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	allowed := make(map[string]bool, len(auth.BuiltinActions))
	for _, action := range auth.BuiltinActions {
		allowed[string(action)] = user.Can(action).Allowed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"actions": allowed,
	})
}
