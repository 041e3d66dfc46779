package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/application/query"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, r, http.StatusOK, map[string]string{"state": "up"})
		return
	}
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE SIDE
// ══════════════════════════════════════════════════════════════════════════════

type recordEventRequest struct {
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	EventType      string    `json:"event_type"`
	SourceEntityID string    `json:"source_entity_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type adjustPointsRequest struct {
	EventID   string `json:"event_id"`
	UserID    string `json:"user_id"`
	PCDelta   int64  `json:"pc_delta"`
	PConDelta int64  `json:"pcon_delta"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason"`
}

// outcomeResponse is returned by both write endpoints.
type outcomeResponse struct {
	EventID      string `json:"event_id"`
	UserID       string `json:"user_id"`
	EventType    string `json:"event_type"`
	Seq          int64  `json:"seq"`
	Duplicate    bool   `json:"duplicate"`
	PCPoints     int64  `json:"pc_points"`
	PConPoints   int64  `json:"pcon_points"`
	Rank         string `json:"rank"`
	PreviousRank string `json:"previous_rank,omitempty"`
	Version      int64  `json:"version"`
}

func toOutcomeResponse(o *command.Outcome) outcomeResponse {
	resp := outcomeResponse{
		EventID:   o.Event.ID,
		UserID:    o.Event.UserID,
		EventType: string(o.Event.Type),
		Seq:       o.Event.Seq,
		Duplicate: o.Duplicate,
	}
	if o.Aggregate != nil {
		resp.PCPoints = o.Aggregate.PCPoints
		resp.PConPoints = o.Aggregate.PConPoints
		resp.Rank = o.Aggregate.Rank
		resp.Version = o.Aggregate.Version
	}
	if o.RankChanged() {
		resp.PreviousRank = o.PreviousRank
	}
	return resp
}

// outcomeStatus is 201 for a new ledger entry and 200 for a replay.
func outcomeStatus(o *command.Outcome) int {
	if o.Duplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.deps.RecordEvent.Handle(r.Context(), command.RecordEventCommand{
		EventID:        req.EventID,
		UserID:         req.UserID,
		EventType:      req.EventType,
		SourceEntityID: req.SourceEntityID,
		OccurredAt:     req.OccurredAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, outcomeStatus(out), toOutcomeResponse(out))
}

func (s *Server) handleAdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req adjustPointsRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.deps.AdjustPoints.Handle(r.Context(), command.AdjustPointsCommand{
		EventID:   req.EventID,
		UserID:    req.UserID,
		PCDelta:   req.PCDelta,
		PConDelta: req.PConDelta,
		Actor:     points.Actor{ID: req.ActorID, Token: bearerToken(r)},
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, outcomeStatus(out), toOutcomeResponse(out))
}

func (s *Server) handleCheckAchievements(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.CheckAchievements.Handle(r.Context(), command.CheckAchievementsCommand{UserID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// ══════════════════════════════════════════════════════════════════════════════
// READ SIDE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.UserStats.Handle(r.Context(), query.GetUserStatsQuery{UserID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleAchievementProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.deps.Progress.Handle(r.Context(), query.GetAchievementProgressQuery{
		UserID:   r.PathValue("id"),
		Category: r.URL.Query().Get("category"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, progress)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.deps.Leaderboard.Handle(r.Context(), query.GetLeaderboardQuery{Offset: offset, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Catalog.Handle(r.Context()))
}

// intParam reads an optional integer query parameter; absent means zero.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, shared.WrapError("http", "Parse", shared.ErrInvalidFormat, name+" must be an integer", err)
	}
	return v, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// JSON ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse is the envelope every endpoint except /metrics returns.
type JSONResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError is the error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Success:   status < 400,
		Data:      data,
		RequestID: getRequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Error:     &APIError{Code: code, Message: message},
		RequestID: getRequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// decode reads a bounded JSON body, rejecting unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSONError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		case errors.Is(err, io.EOF):
			writeJSONError(w, r, http.StatusBadRequest, "invalid_body", "request body is empty")
		default:
			writeJSONError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		}
		return false
	}
	return true
}

// writeError maps domain error kinds onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	message := "an unexpected error occurred"
	var de *shared.DomainError
	if status < 500 || status == http.StatusServiceUnavailable {
		message = err.Error()
		if errors.As(err, &de) {
			message = de.Message
		}
	}

	if status >= 500 {
		logger.FromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path), logger.Err(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, r, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case shared.IsUnauthorized(err):
		return http.StatusForbidden, "forbidden"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
