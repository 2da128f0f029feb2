package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jakechorley/care-attendance/pkg/core/attendance"
	"github.com/jakechorley/care-attendance/pkg/core/model"
)

// clockBody is the JSON body of both clock endpoints
type clockBody struct {
	QRToken  string          `json:"qrToken" validate:"required"`
	DeviceID string          `json:"deviceId,omitempty"`
	Location *model.GeoPoint `json:"location,omitempty"`
}

func (s *Server) decodeClockRequest(w http.ResponseWriter, r *http.Request) (attendance.ClockRequest, bool) {
	caller, err := s.identity.CurrentUser(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Code: "Unauthenticated", Message: err.Error()})
		return attendance.ClockRequest{}, false
	}

	var body clockBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: string(attendance.CodeInvalidRequest), Message: "malformed JSON body"})
		return attendance.ClockRequest{}, false
	}
	if err := s.validate.Struct(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: string(attendance.CodeInvalidRequest), Message: err.Error()})
		return attendance.ClockRequest{}, false
	}

	return attendance.ClockRequest{
		Token:    body.QRToken,
		Caller:   caller,
		DeviceID: body.DeviceID,
		Location: body.Location,
	}, true
}

func (s *Server) handleClockIn(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeClockRequest(w, r)
	if !ok {
		return
	}

	rec, err := s.coordinator.ClockIn(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attendanceRecord": rec})
}

func (s *Server) handleClockOut(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeClockRequest(w, r)
	if !ok {
		return
	}

	rec, err := s.coordinator.ClockOut(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attendanceRecord": rec})
}

func (s *Server) handleWorkplaceQR(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity.CurrentUser(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Code: "Unauthenticated", Message: err.Error()})
		return
	}

	tokens, err := s.coordinator.GenerateWorkplaceTokens(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handlePollingCode(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity.CurrentUser(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Code: "Unauthenticated", Message: err.Error()})
		return
	}

	code, err := s.coordinator.EnsurePollingCode(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, code)
}

// manualUpdateBody is the admin override payload; reason is mandatory
type manualUpdateBody struct {
	SignInTime  *time.Time `json:"signInTime,omitempty"`
	SignOutTime *time.Time `json:"signOutTime,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Reason      string     `json:"reason" validate:"required"`
}

func (s *Server) handleManualUpdate(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity.CurrentUser(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Code: "Unauthenticated", Message: err.Error()})
		return
	}

	var body manualUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: string(attendance.CodeInvalidRequest), Message: "malformed JSON body"})
		return
	}
	if err := s.validate.Struct(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: string(attendance.CodeInvalidRequest), Message: err.Error()})
		return
	}

	req := attendance.ManualUpdateRequest{
		RecordID:    r.PathValue("id"),
		Caller:      caller,
		SignInTime:  body.SignInTime,
		SignOutTime: body.SignOutTime,
		Reason:      body.Reason,
	}
	if body.Status != nil {
		status := model.AttendanceStatus(*body.Status)
		req.Status = &status
	}

	rec, err := s.coordinator.ManualUpdate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attendanceRecord": rec})
}
