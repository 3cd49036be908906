package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-eventhub/internal/audit"
)

// recordResubscribe writes an audit entry for an API-triggered resubscribe.
// Audit failures are logged, never returned to the caller.
func (s *Server) recordResubscribe(r *http.Request, deviceID string, opErr error) {
	if s.audit == nil {
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is off
	entry := &audit.Entry{
		Action:   audit.ActionResubscribe,
		DeviceID: deviceID,
		Subject:  subject,
		Source:   audit.SourceAPI,
		Outcome:  audit.Outcome(opErr),
	}
	if opErr != nil {
		entry.Details = map[string]any{"error": opErr.Error()}
	}
	if reqID, ok := r.Context().Value(ctxKeyRequestID).(string); ok && reqID != "" {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["request_id"] = reqID
	}

	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.logger.Warn("recording audit entry failed", "device_id", deviceID, "error", err)
	}
}

// handleListAudit returns audit entries, newest first.
//
// Query parameters: action, device_id, source, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
		Source:   q.Get("source"),
	}
	for _, v := range []string{filter.Action, filter.DeviceID, filter.Source} {
		if len(v) > maxQueryParamLen {
			writeBadRequest(w, "query parameter too long")
			return
		}
	}

	var err error
	if filter.Limit, err = parseNonNegative(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = parseNonNegative(q.Get("offset")); err != nil {
		writeBadRequest(w, "invalid offset")
		return
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit log failed", "error", err)
		writeInternalError(w, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseNonNegative(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
