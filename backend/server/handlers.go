package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/strideclub/coach/backend/engine"
	contextKey "github.com/strideclub/coach/backend/server/context_key"
	"github.com/strideclub/coach/lib/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Server carries the engine instance the handlers delegate to.
type Server struct {
	engine *engine.Engine
}

// userID extracts the authenticated caller's id injected by the JWT
// middleware. The middleware rejects unauthenticated requests, so a
// missing id here is a programming error surfaced as 500 by the caller.
func userID(r *http.Request) (primitive.ObjectID, bool) {
	id, ok := r.Context().Value(contextKey.UserIDKey).(primitive.ObjectID)
	return id, ok
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError maps engine errors onto HTTP statuses. Anything outside the
// engine's taxonomy is an internal error: logged in full, surfaced
// generically.
func writeError(w http.ResponseWriter, err error) {
	var validationErr *engine.ValidationError
	var conflictErr *engine.ConflictError
	var notFoundErr *engine.NotFoundError
	var forbiddenErr *engine.ForbiddenError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validationErr.Message,
			"field": validationErr.Field,
		})
	case errors.As(err, &conflictErr):
		body := map[string]string{"error": conflictErr.Message}
		if !conflictErr.EnrollmentID.IsZero() {
			body["enrollmentId"] = conflictErr.EnrollmentID.Hex()
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.As(err, &notFoundErr):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &forbiddenErr):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type enrollRequest struct {
	TemplateID     string `json:"templateId"`
	StartDate      string `json:"startDate"`
	Intensity      string `json:"intensity"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// handleEnroll materializes a routine template into the caller's calendar.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &engine.ValidationError{Field: "body", Message: "malformed JSON"})
		return
	}

	templateID, err := primitive.ObjectIDFromHex(req.TemplateID)
	if err != nil {
		writeError(w, &engine.ValidationError{Field: "templateId", Message: "must be a valid id"})
		return
	}
	startDate, err := utils.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, &engine.ValidationError{Field: "startDate", Message: "must be formatted as " + utils.DateLayout})
		return
	}

	result, err := s.engine.Enroll(r.Context(), uid, templateID, startDate, req.Intensity, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleToday returns the caller's schedule for the current day.
func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	schedule, err := s.engine.GetToday(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

// handleDate returns the caller's schedule for a specific date.
func (s *Server) handleDate(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	date, err := utils.ParseDate(mux.Vars(r)["date"])
	if err != nil {
		writeError(w, &engine.ValidationError{Field: "date", Message: "must be formatted as " + utils.DateLayout})
		return
	}

	schedule, err := s.engine.GetForDate(r.Context(), uid, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule.Habits)
}

// handleRange returns one aggregate row per day of the requested range.
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	start, err := utils.ParseDate(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, &engine.ValidationError{Field: "start", Message: "must be formatted as " + utils.DateLayout})
		return
	}
	end, err := utils.ParseDate(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, &engine.ValidationError{Field: "end", Message: "must be formatted as " + utils.DateLayout})
		return
	}

	rows, err := s.engine.GetRange(r.Context(), uid, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type toggleRequest struct {
	Completed bool `json:"completed"`
}

// handleToggle flips the completed flag on one of the caller's instances.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	instanceID, err := primitive.ObjectIDFromHex(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, &engine.NotFoundError{Resource: "habit instance"})
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &engine.ValidationError{Field: "body", Message: "malformed JSON"})
		return
	}

	instance, err := s.engine.Toggle(r.Context(), uid, instanceID, req.Completed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

// handleReconcile runs the idempotent catch-up pass for the caller.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	result, err := s.engine.Reconcile(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type standaloneRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Cadence     string `json:"cadence"`
}

// handleCreateStandalone adds a habit outside any enrollment.
func (s *Server) handleCreateStandalone(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var req standaloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &engine.ValidationError{Field: "body", Message: "malformed JSON"})
		return
	}

	habit, err := s.engine.CreateStandaloneHabit(r.Context(), uid, req.Title, req.Description, req.Cadence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, habit)
}

// handlePause pauses the caller's active enrollment.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	enrollment, err := s.engine.Pause(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// handleResume re-activates the caller's paused enrollment.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	enrollment, err := s.engine.Resume(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// handleAbandon terminally ends the caller's active enrollment.
func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	enrollment, err := s.engine.Abandon(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

// handleStats returns the caller's coins, streaks and completion rate.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	stats, err := s.engine.Stats(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
