package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/pkg/core/attendance"
)

// handleAttendanceEvents streams the scan outcome for a polling code as
// Server-Sent Events. Exactly one terminal event is sent, then the stream
// closes: success/error/expired when a scan lands, timeout after the
// watcher's hard cap. The poll loop dies with the request context, so a
// client disconnect leaves no orphaned poller.
func (s *Server) handleAttendanceEvents(w http.ResponseWriter, r *http.Request) {
	qrCode := r.URL.Query().Get("qrCode")
	if qrCode == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: string(attendance.CodeInvalidRequest), Message: "qrCode query parameter is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	status, err := s.watcher.Watch(r.Context(), qrCode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing left to deliver
			return
		}
		s.logger.Warn("status watch failed",
			zap.String("qr_code", qrCode),
			zap.Error(err))
		return
	}

	payload, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("failed to marshal status event", zap.Error(err))
		return
	}

	w.Write([]byte("event: status\ndata: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}
