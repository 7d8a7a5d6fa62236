package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"shopfloor.dev/internal/audit"
	"shopfloor.dev/internal/auth"
)

type createUserRequest struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Password    string   `json:"password"`
	Role        string   `json:"role"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
	Department  string   `json:"department"`
	MachineType string   `json:"machine_type"`
	Skills      []string `json:"skills"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.Users(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		respondError(w, r, err)
		return
	}
	user, err := a.auth.Provision(r.Context(), auth.NewUser{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    req.Password,
		Role:        role,
		Email:       req.Email,
		Permissions: req.Permissions,
		Department:  req.Department,
		MachineType: req.MachineType,
		Skills:      req.Skills,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.created", map[string]any{
		"target_user_id": user.ID,
		"username":       user.Username,
		"role":           string(user.Role),
	})
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) setUserActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "active is required")
		return
	}
	user, err := a.auth.SetActive(r.Context(), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.active", map[string]any{
		"target_user_id": user.ID,
		"active":         user.Active,
	})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) setUserPermissions(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if !decodeOrFail(w, r, &req, false) {
		return
	}
	user, err := a.auth.SetPermissions(r.Context(), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.permissions", map[string]any{
		"target_user_id": user.ID,
		"permissions":    user.Permissions,
	})
	writeJSON(w, http.StatusOK, user)
}
