package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/plan"
	"github.com/xraph/allowance/usagelog"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

type consumeRequest struct {
	UserID string `json:"user_id"`
	ToolID string `json:"tool_id"`
	Tokens int64  `json:"tokens"`
}

type entitlementRequest struct {
	Role         entitlement.Role   `json:"role"`
	Plan         plan.Plan          `json:"plan"`
	Status       entitlement.Status `json:"status"`
	TrialEndsAt  *time.Time         `json:"trial_ends_at,omitempty"`
	MemberEndsAt *time.Time         `json:"member_ends_at,omitempty"`
}

// ──────────────────────────────────────────────────
// Probes
// ──────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()

	if err := s.engine.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "not_ready", "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ──────────────────────────────────────────────────
// Quota
// ──────────────────────────────────────────────────

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.engine.TryConsume(r.Context(), req.UserID, req.ToolID, req.Tokens)
	if err != nil {
		if allowance.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Error("consume failed",
			"user_id", req.UserID,
			"tool_id", req.ToolID,
			"error", err,
		)
		if res != nil {
			writeJSON(w, http.StatusServiceUnavailable, res)
			return
		}
		s.writeSystemError(w)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	d, err := s.engine.Resolve(r.Context(), userID)
	if err != nil {
		if allowance.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Error("resolve failed", "user_id", userID, "error", err)
		if d != nil {
			writeJSON(w, http.StatusServiceUnavailable, d)
			return
		}
		s.writeSystemError(w)
		return
	}

	status := http.StatusOK
	if d.Reason == entitlement.ReasonUserNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, d)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	snap, err := s.engine.Usage(r.Context(), userID)
	if err != nil {
		s.writeEngineError(w, err, "usage failed", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ──────────────────────────────────────────────────
// Admin
// ──────────────────────────────────────────────────

func (s *Server) handleUsageLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f, err := parseFilter(q.Get, s.engine.Calendar())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	page, err := s.engine.ListEntries(r.Context(), f, usagelog.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		s.writeEngineError(w, err, "list usage logs failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f, err := parseFilter(q.Get, s.engine.Calendar())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	top, err := intParam(q.Get("top"), "top")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	stats, err := s.engine.AggregateStats(r.Context(), f, top)
	if err != nil {
		s.writeEngineError(w, err, "usage stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListEntitlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ents, err := s.engine.ListEntitlements(r.Context(), entitlement.ListOpts{
		Role:   entitlement.Role(strings.TrimSpace(q.Get("role"))),
		Plan:   plan.Plan(strings.TrimSpace(q.Get("plan"))),
		Status: entitlement.Status(strings.TrimSpace(q.Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeEngineError(w, err, "list entitlements failed")
		return
	}
	if ents == nil {
		ents = []*entitlement.UserEntitlement{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entitlements": ents,
		"count":        len(ents),
	})
}

// handlePutEntitlement updates the user's entitlement, provisioning it when
// the user does not exist yet.
func (s *Server) handlePutEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	var req entitlementRequest
	if !s.decode(w, r, &req) {
		return
	}

	ent := &entitlement.UserEntitlement{
		UserID:       userID,
		Role:         req.Role,
		Plan:         req.Plan,
		Status:       req.Status,
		TrialEndsAt:  req.TrialEndsAt,
		MemberEndsAt: req.MemberEndsAt,
	}

	updated, err := s.engine.UpdateEntitlement(r.Context(), ent)
	if err == nil {
		writeJSON(w, http.StatusOK, updated)
		return
	}
	if !allowance.IsNotFound(err) {
		s.writeEngineError(w, err, "update entitlement failed", "user_id", userID)
		return
	}

	err = s.engine.ProvisionUser(r.Context(), ent)
	if errors.Is(err, allowance.ErrAlreadyExists) {
		// Lost a race with a concurrent provision; apply as an update.
		updated, err = s.engine.UpdateEntitlement(r.Context(), ent)
		if err != nil {
			s.writeEngineError(w, err, "update entitlement failed", "user_id", userID)
			return
		}
		writeJSON(w, http.StatusOK, updated)
		return
	}
	if err != nil {
		s.writeEngineError(w, err, "provision user failed", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, msg string, kv ...any) {
	switch {
	case allowance.IsValidationError(err):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case allowance.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Error(msg, append(kv, "error", err)...)
		s.writeSystemError(w)
	}
}

func (s *Server) writeSystemError(w http.ResponseWriter) {
	d := allowance.DenialFor(allowance.ReasonSystemError, time.Time{})
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":   string(allowance.ReasonSystemError),
		"message": d.Description,
		"denial":  d,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// parseFilter reads user_id, tool_id, start_date and end_date. Dates are
// RFC 3339 instants or YYYY-MM-DD days in the reset calendar; a day given as
// end_date includes the whole day.
func parseFilter(get func(string) string, cal calendar.Calendar) (usagelog.Filter, error) {
	f := usagelog.Filter{
		UserID: strings.TrimSpace(get("user_id")),
		ToolID: strings.TrimSpace(get("tool_id")),
	}

	if v := strings.TrimSpace(get("start_date")); v != "" {
		start, _, err := parseBound(v, cal)
		if err != nil {
			return f, allowance.ValidationError{Field: "start_date", Message: err.Error()}
		}
		f.StartDate = start
	}
	if v := strings.TrimSpace(get("end_date")); v != "" {
		_, end, err := parseBound(v, cal)
		if err != nil {
			return f, allowance.ValidationError{Field: "end_date", Message: err.Error()}
		}
		f.EndDate = end
	}
	return f, nil
}

// parseBound returns the instant a bound starts and the instant it ends.
// Both are the same for an RFC 3339 value.
func parseBound(v string, cal calendar.Calendar) (time.Time, time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, t, nil
	}
	return cal.DayRange(v)
}

func intParam(v, name string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, allowance.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}
