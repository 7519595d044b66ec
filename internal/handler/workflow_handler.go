package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/examgate/examgate/internal/middleware"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/response"
	"github.com/examgate/examgate/internal/service"
	"github.com/examgate/examgate/internal/validator"
)

// WorkflowHandler handles exam creation and publish workflow endpoints.
type WorkflowHandler struct {
	workflowService *service.WorkflowService
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(workflowService *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{workflowService: workflowService}
}

// CreateExam godoc
// POST /api/v1/admin/exams
// Registers an exam and opens its publish workflow in PRE_PUBLICATION_REVIEW.
func (h *WorkflowHandler) CreateExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, workflow, err := h.workflowService.CreateExam(c.Request.Context(), &req, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"exam":     exam,
		"workflow": workflow,
	})
}

// GetWorkflow godoc
// GET /api/v1/admin/exams/:id/workflow
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	examID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	workflow, err := h.workflowService.GetByExamID(c.Request.Context(), examID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, workflow)
}

// RequestTransition godoc
// POST /api/v1/admin/workflows/:id/transitions
// Moves the workflow along one validated edge and appends the audit record.
func (h *WorkflowHandler) RequestTransition(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	workflowID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.TransitionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	workflow, err := h.workflowService.RequestTransition(c.Request.Context(), workflowID, &req, claims.UserID)
	if err != nil {
		h.failTransition(c, err)
		return
	}

	response.Success(c, http.StatusOK, workflow)
}

func (h *WorkflowHandler) failTransition(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	case errors.Is(err, service.ErrScheduleNotSet):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrScheduleNotSet)
	case errors.Is(err, service.ErrEmptyRoster):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrEmptyRoster)
	case errors.Is(err, service.ErrBeforeScheduledStart):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrBeforeStart)
	case errors.Is(err, pgx.ErrNoRows):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// UpdateSchedule godoc
// PUT /api/v1/admin/workflows/:id/schedule
// Sets the publish window. Rejected once the workflow is frozen.
func (h *WorkflowHandler) UpdateSchedule(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.UpdateScheduleRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	workflow, err := h.workflowService.UpdateSchedule(c.Request.Context(), workflowID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWorkflowFrozen):
			response.Fail(c, http.StatusConflict, response.ErrWorkflowFrozen)
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, workflow)
}

// AssignStudents godoc
// PUT /api/v1/admin/workflows/:id/roster
// Replaces the exam roster. Rejected once the workflow is frozen.
func (h *WorkflowHandler) AssignStudents(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.AssignStudentsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.workflowService.AssignStudents(c.Request.Context(), workflowID, req.StudentIDs); err != nil {
		switch {
		case errors.Is(err, service.ErrWorkflowFrozen):
			response.Fail(c, http.StatusConflict, response.ErrWorkflowFrozen)
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"assigned": len(req.StudentIDs)})
}

// GetHistory godoc
// GET /api/v1/admin/workflows/:id/transitions
// Returns the append-only audit trail in sequence order.
func (h *WorkflowHandler) GetHistory(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	transitions, err := h.workflowService.GetHistory(c.Request.Context(), workflowID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, transitions)
}
