package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/examgate/examgate/internal/middleware"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/response"
	"github.com/examgate/examgate/internal/service"
	"github.com/examgate/examgate/internal/validator"
)

// SessionHandler handles the student-facing exam session endpoints.
type SessionHandler struct {
	sessionService *service.SessionService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// StartOrResume godoc
// POST /api/v1/student/exams/:exam_id/session
// Idempotent entry point: returns the active session or creates one.
func (h *SessionHandler) StartOrResume(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, ok := parseUUIDParam(c, "exam_id")
	if !ok {
		return
	}

	session, err := h.sessionService.StartOrResume(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		if errors.Is(err, service.ErrExamNotAvailable) {
			response.Fail(c, http.StatusForbidden, response.ErrExamNotAvailable)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// GetSnapshot godoc
// GET /api/v1/student/sessions/:id/snapshot
// Returns the session, autosaved answers and remaining time.
func (h *SessionHandler) GetSnapshot(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	snapshot, err := h.sessionService.GetSnapshot(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, snapshot)
}

// RecordResponse godoc
// PUT /api/v1/student/sessions/:id/responses
// Saves one answer. Last write wins per (session, question) pair.
func (h *SessionHandler) RecordResponse(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	var req model.RecordResponseRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.RecordResponse(c.Request.Context(), sessionID, &req); err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"saved": true})
}

// Heartbeat godoc
// POST /api/v1/student/sessions/:id/heartbeat
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if err := h.sessionService.Heartbeat(c.Request.Context(), sessionID); err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// Navigate godoc
// PUT /api/v1/student/sessions/:id/position
func (h *SessionHandler) Navigate(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.Navigate(c.Request.Context(), sessionID, req.QuestionIndex); err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// Suspend godoc
// POST /api/v1/student/sessions/:id/suspend
func (h *SessionHandler) Suspend(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	var req model.SuspendRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.Suspend(c.Request.Context(), sessionID, req.Reason); err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// Resume godoc
// POST /api/v1/student/sessions/:id/resume
func (h *SessionHandler) Resume(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	session, err := h.sessionService.Resume(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrExamNotAvailable) {
			response.Fail(c, http.StatusForbidden, response.ErrExamNotAvailable)
			return
		}
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// Submit godoc
// POST /api/v1/student/sessions/:id/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	sessionID, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if err := h.sessionService.Submit(c.Request.Context(), sessionID); err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"submitted": true})
}

// ownedSession parses the session id and verifies it belongs to the
// authenticated student.
func (h *SessionHandler) ownedSession(c *gin.Context) (uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, false
	}

	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return uuid.Nil, false
	}

	session, err := h.sessionService.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return uuid.Nil, false
	}
	if session.StudentID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return uuid.Nil, false
	}

	return sessionID, true
}

func (h *SessionHandler) failSession(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionAlreadyFinal):
		response.Fail(c, http.StatusConflict, response.ErrSessionAlreadyFinal)
	case errors.Is(err, service.ErrSessionNotActive):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
	case errors.Is(err, pgx.ErrNoRows):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
