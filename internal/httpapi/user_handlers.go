package httpapi

import (
	"net/http"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/auth"
)

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	FullName string `json:"fullName" validate:"required,max=200"`
	Phone    string `json:"phone" validate:"omitempty,max=32"`
	Role     string `json:"role" validate:"required,oneof=student teacher admin"`
}

type pageInfo struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// handleCreateUser provisions an already active account in the admin's tenant.
func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, apperr.Validation("invalid role", map[string]any{"field": "role"}))
		return
	}
	user, err := a.auth.CreateUser(r.Context(), identity(r).TenantID, auth.CreateUserInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Phone:    req.Phone,
		Role:     role,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionUserCreated, "user", user.ID, map[string]any{
		"email":  user.Email,
		"role":   user.Role.String(),
		"status": string(user.Status),
	})
	writeData(w, http.StatusCreated, user)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := auth.UserFilter{
		TenantID: identity(r).TenantID,
		Status:   auth.UserStatus(q.Get("status")),
		Search:   q.Get("search"),
	}
	if raw := q.Get("role"); raw != "" {
		role, err := auth.ParseRole(raw)
		if err != nil {
			writeError(w, r, apperr.Validation("invalid role", map[string]any{"field": "role"}))
			return
		}
		f.Role = role
	}
	page, err := queryInt(r, "page", 1, 1, 1<<20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.Limit, f.Offset = limit, (page-1)*limit
	users, total, err := a.auth.ListUsers(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success:    true,
		Data:       nonNil(users),
		Pagination: pageInfo{Total: total, Page: page, Limit: limit, Pages: (total + limit - 1) / limit},
	})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID", "userId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := a.auth.User(r.Context(), identity(r).TenantID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, u)
}
