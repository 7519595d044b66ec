package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/middleware"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/response"
	"github.com/examgate/examgate/internal/service"
	"github.com/examgate/examgate/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler handles the proctor-facing live monitoring endpoints.
type MonitorHandler struct {
	rdb             *redis.Client
	workflowService *service.WorkflowService
	sessionService  *service.SessionService
	monitorService  *service.MonitorService
	log             zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	rdb *redis.Client,
	workflowService *service.WorkflowService,
	sessionService *service.SessionService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:             rdb,
		workflowService: workflowService,
		sessionService:  sessionService,
		monitorService:  monitorService,
		log:             log.With().Str("component", "monitor_handler").Logger(),
	}
}

// ReportSignal godoc
// POST /api/v1/student/sessions/:id/signals
// Student client reports a raw integrity signal for classification.
func (h *MonitorHandler) ReportSignal(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.ReportSignalRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	event, err := h.monitorService.RecordEvent(c.Request.Context(), sessionID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownSignal):
			response.Fail(c, http.StatusBadRequest, response.ErrUnknownSignal)
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{
		"event_id": event.ID,
		"severity": event.Severity,
		"seq":      event.Seq,
	})
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
// Streams the live monitoring feed: initial snapshot, classified events as
// they arrive, periodic refreshes, fallback alerts and keepalives.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	if _, err := h.workflowService.GetByExamID(c.Request.Context(), examID); err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Initial snapshot before any live events.
	h.sendSnapshot(c, reqCtx, examID)

	// In-process subscription carries the classified events; the Redis
	// alert channel carries HIGH events that overflowed some subscriber.
	sub := h.monitorService.Subscribe(examID)
	defer sub.Close()

	alerts := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamAlertChannel(examID.String()))
	defer alerts.Close()
	alertCh := alerts.Channel()

	events := make(chan model.MonitoringEvent)
	go func() {
		defer close(events)
		for {
			ev, open := sub.Next(reqCtx)
			if !open {
				return
			}
			select {
			case events <- ev:
			case <-reqCtx.Done():
				return
			}
		}
	}()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Proctor disconnected from live monitor SSE")
			return

		case ev, open := <-events:
			if !open {
				// Hub channel torn down (exam unpublished).
				c.SSEvent("message", map[string]string{"type": "closed"})
				c.Writer.Flush()
				return
			}
			c.SSEvent("message", map[string]interface{}{
				"type": "event",
				"data": ev,
			})
			c.Writer.Flush()

		case msg := <-alertCh:
			// Forward raw JSON directly — no deserialization needed.
			c.Writer.Write([]byte("data: {\"type\":\"alert\",\"data\":"))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("}\n\n"))
			c.Writer.Flush()

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, examID)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes the first SSE event: all sessions plus aggregates.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, examID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	stats, err := h.monitorService.GetExamStats(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to build initial snapshot")
		return
	}

	c.SSEvent("message", map[string]interface{}{
		"type": "snapshot",
		"data": stats,
	})
	c.Writer.Flush()
}

// sendRefresh polls current aggregates and sends a compact refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, examID uuid.UUID) {
	// Scoped timeout prevents a slow query from stalling the SSE loop.
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	stats, err := h.monitorService.GetExamStats(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch exam stats for refresh")
		return
	}

	c.SSEvent("message", map[string]interface{}{
		"type": "refresh",
		"data": stats,
	})
	c.Writer.Flush()
}

// ListSessions godoc
// GET /api/v1/admin/exams/:id/sessions
func (h *MonitorHandler) ListSessions(c *gin.Context) {
	examID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	stats, err := h.monitorService.GetExamStats(c.Request.Context(), examID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// ListEvents godoc
// GET /api/v1/admin/exams/:id/events?limit=100
func (h *MonitorHandler) ListEvents(c *gin.Context) {
	examID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := h.monitorService.ListEvents(c.Request.Context(), examID, limit)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, events)
}

// TakeAction godoc
// POST /api/v1/admin/sessions/:id/actions
// Applies a proctor intervention (WARN, SUSPEND or TERMINATE) to a session.
func (h *MonitorHandler) TakeAction(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.ProctorActionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	action, err := h.monitorService.TakeProctorAction(c.Request.Context(), sessionID, claims.UserID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownAction):
			response.Fail(c, http.StatusBadRequest, response.ErrUnknownAction)
		case errors.Is(err, service.ErrSessionNotActive):
			response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
		case errors.Is(err, service.ErrSessionAlreadyFinal):
			response.Fail(c, http.StatusConflict, response.ErrSessionAlreadyFinal)
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, action)
}

// ResolveEvent godoc
// POST /api/v1/admin/events/:id/resolve
// Marks a monitoring event handled, exactly once.
func (h *MonitorHandler) ResolveEvent(c *gin.Context) {
	eventID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.ResolveEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.monitorService.ResolveEvent(c.Request.Context(), eventID, req.Resolution); err != nil {
		switch {
		case errors.Is(err, service.ErrAlreadyResolved):
			response.Fail(c, http.StatusConflict, response.ErrAlreadyResolved)
		case errors.Is(err, pgx.ErrNoRows):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"resolved": true})
}
