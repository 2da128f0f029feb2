package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/attendance"
	"github.com/jakechorley/care-attendance/pkg/core/model"
	"github.com/jakechorley/care-attendance/pkg/core/statuschannel"
)

// Identity resolves the authenticated caller from a request. The wider
// product's auth middleware implements this; the core never inspects
// tokens itself.
type Identity interface {
	CurrentUser(r *http.Request) (model.Caller, error)
}

// HeaderIdentity trusts upstream-injected identity headers, the shape the
// product's gateway forwards after authenticating the session
type HeaderIdentity struct{}

// CurrentUser implements Identity
func (HeaderIdentity) CurrentUser(r *http.Request) (model.Caller, error) {
	id := r.Header.Get("X-Worker-ID")
	if id == "" {
		return model.Caller{}, errors.New("missing X-Worker-ID header")
	}
	return model.Caller{
		ID:       id,
		OrgID:    r.Header.Get("X-Org-ID"),
		Timezone: r.Header.Get("X-Timezone"),
	}, nil
}

// Server is the HTTP surface over the attendance core
type Server struct {
	coordinator *attendance.Coordinator
	watcher     *statuschannel.Watcher
	identity    Identity
	logger      *zap.Logger
	validate    *validator.Validate
}

// NewServer wires the HTTP surface
func NewServer(coordinator *attendance.Coordinator, watcher *statuschannel.Watcher, identity Identity, logger *zap.Logger) *Server {
	return &Server{
		coordinator: coordinator,
		watcher:     watcher,
		identity:    identity,
		logger:      logger,
		validate:    validator.New(),
	}
}

// Routes builds the request mux
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/attendance/clock-in", s.handleClockIn)
	mux.HandleFunc("POST /api/attendance/clock-out", s.handleClockOut)
	mux.HandleFunc("GET /api/workplaces/{id}/qr", s.handleWorkplaceQR)
	mux.HandleFunc("GET /api/workplaces/{id}/polling-code", s.handlePollingCode)
	mux.HandleFunc("GET /api/attendance-events", s.handleAttendanceEvents)
	mux.HandleFunc("PATCH /api/attendance/{id}/manual-update", s.handleManualUpdate)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return s.logRequests(mux)
}

// logRequests logs method, path, and duration for every request
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// errorBody is the stable error envelope: a machine-readable code, a
// human-readable message, and where relevant the conflicting record so
// the client can recover its state
type errorBody struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Record  *model.AttendanceRecord `json:"record,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError maps the taxonomy onto HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var taxErr *attendance.Error
	if !errors.As(err, &taxErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			s.writeJSON(w, http.StatusGatewayTimeout, errorBody{Code: "Timeout", Message: "the operation timed out"})
			return
		}
		s.logger.Error("internal error", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Code: "Internal", Message: "internal error"})
		return
	}

	s.writeJSON(w, statusFor(taxErr.Code), errorBody{
		Code:    string(taxErr.Code),
		Message: taxErr.Message,
		Record:  taxErr.Record,
	})
}

func statusFor(code attendance.Code) int {
	switch code {
	case attendance.CodeAlreadyClockedIn, attendance.CodeConcurrentModification, attendance.CodeWorkplaceMismatch:
		return http.StatusConflict
	case attendance.CodeNoActiveSession, attendance.CodeNoActiveShift, attendance.CodeNotFound:
		return http.StatusNotFound
	case attendance.CodeOutOfWindow, attendance.CodeBelowMinimumDuration:
		return http.StatusUnprocessableEntity
	case attendance.CodeInvalidToken, attendance.CodeExpiredToken:
		return http.StatusUnauthorized
	case attendance.CodeLockContention:
		return http.StatusTooManyRequests
	case attendance.CodeForbidden:
		return http.StatusForbidden
	case attendance.CodeInvalidRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
