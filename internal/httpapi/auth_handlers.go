package httpapi

import (
	"net/http"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/auth"
)

type loginRequest struct {
	TenantCode string `json:"tenantCode" validate:"required,max=32"`
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
}

type registerRequest struct {
	TenantCode string `json:"tenantCode" validate:"required,max=32"`
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8,max=128"`
	FullName   string `json:"fullName" validate:"required,max=200"`
	Phone      string `json:"phone" validate:"omitempty,max=32"`
	Role       string `json:"role" validate:"omitempty,oneof=student teacher"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending active blocked"`
}

type sessionResponse struct {
	auth.TokenPair
	User   auth.User   `json:"user"`
	Tenant auth.Tenant `json:"tenant"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, id, err := a.auth.Login(r.Context(), auth.LoginInput{
		TenantCode: req.TenantCode,
		Email:      req.Email,
		Password:   req.Password,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.recordFor(r, id.TenantID, id.UserID(), audit.ActionUserLoggedIn, "user", id.UserID(), nil)
	writeData(w, http.StatusOK, sessionResponse{TokenPair: pair, User: id.User, Tenant: id.Tenant})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := auth.RegisterInput{
		TenantCode: req.TenantCode,
		Email:      req.Email,
		Password:   req.Password,
		FullName:   req.FullName,
		Phone:      req.Phone,
	}
	if req.Role != "" {
		role, err := auth.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, apperr.Validation("invalid role", map[string]any{"field": "role"}))
			return
		}
		in.Role = role
	}
	user, tenant, err := a.auth.Register(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.recordFor(r, tenant.ID, user.ID, audit.ActionUserRegistered, "user", user.ID, map[string]any{
		"role": user.Role.String(),
	})
	writeData(w, http.StatusCreated, user)
}

// handleRefresh rotates the presented refresh token into a new pair.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, id, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.recordFor(r, id.TenantID, id.UserID(), audit.ActionTokenRefreshed, "user", id.UserID(), nil)
	writeData(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	id := identity(r)
	if err := a.auth.Logout(r.Context(), id, req.RefreshToken); err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionUserLoggedOut, "user", id.UserID(), map[string]any{
		"allSessions": req.RefreshToken == "",
	})
	writeMessage(w, "logged out")
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	writeData(w, http.StatusOK, map[string]any{
		"user":   id.User,
		"tenant": id.Tenant,
		"role":   id.Role,
	})
}

func (a *API) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID", "userId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req userStatusRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	before, after, err := a.auth.SetUserStatus(r.Context(), identity(r).TenantID, userID, auth.UserStatus(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionUserStatusChanged, "user", userID, audit.WithChange(nil,
		map[string]any{"status": string(before.Status)},
		map[string]any{"status": string(after.Status)},
	))
	writeData(w, http.StatusOK, after)
}
