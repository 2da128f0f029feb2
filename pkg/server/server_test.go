package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/attendance"
	"github.com/jakechorley/care-attendance/pkg/core/model"
	"github.com/jakechorley/care-attendance/pkg/core/qrtoken"
	"github.com/jakechorley/care-attendance/pkg/core/statuschannel"
	"github.com/jakechorley/care-attendance/pkg/lock"
)

// memStore is a minimal in-memory attendance.Store for handler tests
type memStore struct {
	mu      sync.Mutex
	records map[string]*model.AttendanceRecord // worker|shift
	byID    map[string]*model.AttendanceRecord
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*model.AttendanceRecord),
		byID:    make(map[string]*model.AttendanceRecord),
	}
}

func (s *memStore) FindActiveByWorker(ctx context.Context, workerID string) (*model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.WorkerID == workerID && rec.Status == model.StatusSignedIn {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[id]; ok {
		clone := *rec
		return &clone, nil
	}
	return nil, nil
}

func (s *memStore) UpsertClockIn(ctx context.Context, p attendance.ClockInParams) (*model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.WorkerID + "|" + p.ShiftID
	if existing, ok := s.records[key]; ok {
		if existing.Status != model.StatusPending || existing.SignInTime != nil {
			return nil, nil
		}
		existing.Status = model.StatusSignedIn
		existing.SignInTime = &p.SignInTime
		existing.LateByMinutes = &p.LateByMinutes
		clone := *existing
		return &clone, nil
	}
	rec := &model.AttendanceRecord{
		ID:                      uuid.NewString(),
		WorkerID:                p.WorkerID,
		ShiftID:                 p.ShiftID,
		WorkplaceID:             p.WorkplaceID,
		ScheduledDate:           p.ScheduledDate,
		ExpectedStartTime:       p.ExpectedStartTime,
		ExpectedEndTime:         p.ExpectedEndTime,
		ExpectedDurationMinutes: p.ExpectedDurationMinutes,
		Status:                  model.StatusSignedIn,
		SignInTime:              &p.SignInTime,
		LateByMinutes:           &p.LateByMinutes,
		QRCode:                  p.QRCode,
		QRCodeExpiry:            p.QRCodeExpiry,
	}
	s.records[key] = rec
	s.byID[rec.ID] = rec
	clone := *rec
	return &clone, nil
}

func (s *memStore) CompleteClockOut(ctx context.Context, p attendance.ClockOutParams) (*model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[p.RecordID]
	if !ok || rec.Status != model.StatusSignedIn || rec.SignOutTime != nil {
		return nil, nil
	}
	rec.Status = model.StatusSignedOut
	rec.SignOutTime = &p.SignOutTime
	rec.DurationMinutes = &p.DurationMinutes
	rec.EarlyDepartureByMinutes = &p.EarlyDepartureByMinutes
	rec.LateCheckout = p.LateCheckout
	clone := *rec
	return &clone, nil
}

func (s *memStore) EnsurePending(ctx context.Context, p attendance.PendingParams) (*model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.WorkerID + "|" + p.ShiftID
	if existing, ok := s.records[key]; ok {
		clone := *existing
		return &clone, nil
	}
	rec := &model.AttendanceRecord{
		ID:          uuid.NewString(),
		WorkerID:    p.WorkerID,
		ShiftID:     p.ShiftID,
		WorkplaceID: p.WorkplaceID,
		Status:      model.StatusPending,
		QRCode:      p.QRCode,
	}
	s.records[key] = rec
	s.byID[rec.ID] = rec
	clone := *rec
	return &clone, nil
}

func (s *memStore) SaveManualUpdate(ctx context.Context, rec *model.AttendanceRecord, expectedUpdatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[rec.ID]
	if !ok || !stored.UpdatedAt.Equal(expectedUpdatedAt) {
		return false, nil
	}
	clone := *rec
	s.byID[rec.ID] = &clone
	return true, nil
}

type staticAssignments []model.ShiftAssignment

func (a staticAssignments) FindAssignments(ctx context.Context, workerID, workplaceID string, dates []string) ([]model.ShiftAssignment, error) {
	var out []model.ShiftAssignment
	for _, assignment := range a {
		if assignment.WorkerID != workerID || assignment.WorkplaceID != workplaceID {
			continue
		}
		for _, d := range dates {
			if assignment.Date == d {
				out = append(out, assignment)
			}
		}
	}
	return out, nil
}

type utcWorkplaces struct{}

func (utcWorkplaces) Timezone(ctx context.Context, workplaceID string) (string, error) {
	return "UTC", nil
}

type permitAll struct{}

func (permitAll) HasPermission(ctx context.Context, caller model.Caller, permission, workplaceID string) (bool, error) {
	return true, nil
}

type testApp struct {
	server   *Server
	statuses *statuschannel.MemoryStore
	codec    *qrtoken.Codec
	now      time.Time
}

func newTestApp(t *testing.T, assignments ...model.ShiftAssignment) *testApp {
	t.Helper()

	key := bytes.Repeat([]byte{7}, 32)
	app := &testApp{
		statuses: statuschannel.NewMemoryStore(),
		now:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return app.now }

	codec, err := qrtoken.New(key)
	require.NoError(t, err)
	app.codec = codec.WithClock(clock)

	coordinator := attendance.NewCoordinator(
		newMemStore(),
		staticAssignments(assignments),
		utcWorkplaces{},
		lock.NewMemoryMutex(),
		app.codec,
		app.statuses,
		permitAll{},
		zap.NewNop(),
	).WithClock(clock)

	watcher := statuschannel.NewWatcher(app.statuses, zap.NewNop()).
		WithPolling(5*time.Millisecond, 100*time.Millisecond)

	app.server = NewServer(coordinator, watcher, HeaderIdentity{}, zap.NewNop())
	return app
}

func defaultShift() model.ShiftAssignment {
	return model.ShiftAssignment{
		ID:          "shift-1",
		WorkerID:    "w1",
		WorkplaceID: "p1",
		Date:        "2024-03-01",
		Timing:      model.ShiftTiming{StartTime: "09:00", EndTime: "17:00"},
	}
}

func (app *testApp) clockBody(t *testing.T, direction model.ClockDirection) *bytes.Buffer {
	t.Helper()
	token, _, err := app.codec.Encode("p1", direction)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{"qrToken": token})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestHandleClockIn_Success(t *testing.T) {
	app := newTestApp(t, defaultShift())

	req := httptest.NewRequest(http.MethodPost, "/api/attendance/clock-in", app.clockBody(t, model.DirectionIn))
	req.Header.Set("X-Worker-ID", "w1")
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		AttendanceRecord model.AttendanceRecord `json:"attendanceRecord"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusSignedIn, resp.AttendanceRecord.Status)
	assert.Equal(t, "shift-1", resp.AttendanceRecord.ShiftID)
}

func TestHandleClockIn_Unauthenticated(t *testing.T) {
	app := newTestApp(t, defaultShift())

	req := httptest.NewRequest(http.MethodPost, "/api/attendance/clock-in", app.clockBody(t, model.DirectionIn))
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleClockIn_MissingToken(t *testing.T) {
	app := newTestApp(t, defaultShift())

	req := httptest.NewRequest(http.MethodPost, "/api/attendance/clock-in", strings.NewReader(`{}`))
	req.Header.Set("X-Worker-ID", "w1")
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleClockIn_NoActiveShiftMapsTo404(t *testing.T) {
	app := newTestApp(t) // no assignments

	req := httptest.NewRequest(http.MethodPost, "/api/attendance/clock-in", app.clockBody(t, model.DirectionIn))
	req.Header.Set("X-Worker-ID", "w1")
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(attendance.CodeNoActiveShift), body.Code)
}

func TestHandleClockIn_DuplicateMapsTo409WithRecord(t *testing.T) {
	app := newTestApp(t, defaultShift())

	first := httptest.NewRequest(http.MethodPost, "/api/attendance/clock-in", app.clockBody(t, model.DirectionIn))
	first.Header.Set("X-Worker-ID", "w1")
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, first)
	require.Equal(t, http.StatusOK, rr.Code)

	second := httptest.NewRequest(http.MethodPost, "/api/attendance/clock-in", app.clockBody(t, model.DirectionIn))
	second.Header.Set("X-Worker-ID", "w1")
	rr = httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, second)

	require.Equal(t, http.StatusConflict, rr.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(attendance.CodeAlreadyClockedIn), body.Code)
	require.NotNil(t, body.Record, "conflict response carries the existing record")
	assert.Equal(t, model.StatusSignedIn, body.Record.Status)
}

func TestHandleWorkplaceQR(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/workplaces/p1/qr", nil)
	req.Header.Set("X-Worker-ID", "admin-1")
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var tokens attendance.WorkplaceTokens
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tokens))
	assert.NotEmpty(t, tokens.ClockInToken)
	assert.NotEmpty(t, tokens.ClockOutToken)

	payload, err := app.codec.Decode(tokens.ClockInToken)
	require.NoError(t, err)
	assert.Equal(t, "p1", payload.WorkplaceID)
}

func TestHandleAttendanceEvents_MissingQRCode(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/attendance-events", nil)
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleAttendanceEvents_DeliversTerminalEvent(t *testing.T) {
	app := newTestApp(t)

	require.NoError(t, app.statuses.Publish(context.Background(), "poll-1", model.ScanStatus{
		Status:   model.ScanSuccess,
		WorkerID: "w1",
	}, time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/api/attendance-events?qrCode=poll-1", nil)
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, `"status":"success"`)
	assert.Contains(t, body, `"workerId":"w1"`)
}

func TestHandleAttendanceEvents_TimeoutEvent(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/attendance-events?qrCode=never", nil)
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), fmt.Sprintf(`"status":"%s"`, model.ScanTimeout))
}

func TestHandleManualUpdate_MissingReason(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPatch, "/api/attendance/rec-1/manual-update", strings.NewReader(`{"status":"signedOut"}`))
	req.Header.Set("X-Worker-ID", "admin-1")
	rr := httptest.NewRecorder()
	app.server.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusFor_CoversTaxonomy(t *testing.T) {
	tests := []struct {
		code attendance.Code
		want int
	}{
		{attendance.CodeAlreadyClockedIn, http.StatusConflict},
		{attendance.CodeConcurrentModification, http.StatusConflict},
		{attendance.CodeWorkplaceMismatch, http.StatusConflict},
		{attendance.CodeNoActiveSession, http.StatusNotFound},
		{attendance.CodeNoActiveShift, http.StatusNotFound},
		{attendance.CodeOutOfWindow, http.StatusUnprocessableEntity},
		{attendance.CodeBelowMinimumDuration, http.StatusUnprocessableEntity},
		{attendance.CodeInvalidToken, http.StatusUnauthorized},
		{attendance.CodeExpiredToken, http.StatusUnauthorized},
		{attendance.CodeLockContention, http.StatusTooManyRequests},
		{attendance.CodeForbidden, http.StatusForbidden},
		{attendance.CodeInvalidRequest, http.StatusBadRequest},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusFor(tc.code), string(tc.code))
	}
}
