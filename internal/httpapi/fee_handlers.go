package httpapi

import (
	"net/http"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
)

type recordFeeRequest struct {
	StudentID string   `json:"studentId" validate:"required"`
	Type      string   `json:"type" validate:"required,oneof=tuition registration lab library other"`
	Amount    *float64 `json:"amount" validate:"required"`
	DueDate   string   `json:"dueDate" validate:"required"`
}

type waiveFeeRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (a *API) handleRecordFee(w http.ResponseWriter, r *http.Request) {
	var req recordFeeRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	due, ok := parseDate(req.DueDate)
	if !ok {
		writeError(w, r, apperr.Validation("valid due date is required", map[string]any{"field": "dueDate"}))
		return
	}
	id := identity(r)
	fee, err := a.academics.RecordFee(r.Context(), id.TenantID, id.UserID(), academics.FeeInput{
		ClassID:   classIDParam(r),
		StudentID: req.StudentID,
		Type:      academics.FeeType(req.Type),
		Amount:    *req.Amount,
		DueDate:   due,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionFeeRecorded, "fee", fee.ID, map[string]any{
		"classId":   fee.ClassID,
		"studentId": fee.StudentID,
		"type":      string(fee.Type),
		"amount":    fee.Amount,
	})
	writeData(w, http.StatusCreated, fee)
}

func (a *API) handleListFees(w http.ResponseWriter, r *http.Request) {
	f := academics.FeeFilter{
		TenantID:  identity(r).TenantID,
		ClassID:   classIDParam(r),
		StudentID: r.URL.Query().Get("studentId"),
		Status:    academics.FeeStatus(r.URL.Query().Get("status")),
	}
	if studentOnly(r) {
		f.StudentID = identity(r).UserID()
	}
	out, err := a.academics.ListFees(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(out))
}

func (a *API) handleWaiveFee(w http.ResponseWriter, r *http.Request) {
	feeID, err := pathID(r, "feeID", "feeId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req waiveFeeRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := identity(r)
	fee, change, err := a.academics.WaiveFee(r.Context(), id.TenantID, id.UserID(), feeID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionFeeWaived, "fee", fee.ID, audit.WithChange(
		map[string]any{"classId": fee.ClassID, "studentId": fee.StudentID},
		change.Before, change.After,
	))
	writeData(w, http.StatusOK, fee)
}
