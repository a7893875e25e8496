package httpapi

import (
	"net/http"

	"campusgate.org/internal/audit"
)

type auditListResponse struct {
	Success    bool          `json:"success"`
	Data       []audit.Entry `json:"data"`
	Pagination audit.Page    `json:"pagination"`
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryDate(r, "startDate")
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := queryDate(r, "endDate")
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := queryInt(r, "page", 1, 1, 1<<20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, p, err := a.auditQuery.List(r.Context(), audit.Filter{
		TenantID: identity(r).TenantID,
		UserID:   q.Get("userId"),
		Action:   q.Get("action"),
		Entity:   q.Get("entity"),
		EntityID: q.Get("entityId"),
		From:     from,
		To:       to,
	}, page, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditListResponse{Success: true, Data: nonNil(entries), Pagination: p})
}

func (a *API) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "auditID", "auditId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := a.auditQuery.Get(r.Context(), identity(r).TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, e)
}

func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30, 1, 365)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := a.auditQuery.Stats(r.Context(), identity(r).TenantID, days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}
