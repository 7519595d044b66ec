package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/middleware"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/service"
	ws "github.com/examgate/examgate/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the student's live exam stream.
type WSHandler struct {
	rdb            *redis.Client
	sessionService *service.SessionService
	monitorService *service.MonitorService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	rdb *redis.Client,
	sessionService *service.SessionService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		rdb:            rdb,
		sessionService: sessionService,
		monitorService: monitorService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket for autosave, heartbeat, navigation and signals.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam ID"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID

	// The stream is only for students with a live session.
	session, err := h.sessionService.GetActive(c.Request.Context(), examID, studentID)
	if err != nil {
		ws.WriteError(conn, "no active session for this exam")
		return
	}

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Str("session_id", session.ID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var envelope ws.RequestEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			ws.WriteError(conn, "malformed message")
			continue
		}

		switch envelope.Action {
		case ws.ActionAutosave:
			h.handleAutosave(c, conn, wsLog, session, raw)
		case ws.ActionHeartbeat:
			h.handleHeartbeat(c, conn, session.ID)
		case ws.ActionNavigate:
			h.handleNavigate(c, conn, session.ID, raw)
		case ws.ActionSignal:
			h.handleSignal(c, conn, wsLog, session.ID, raw)
		case ws.ActionSubmit:
			h.handleSubmit(c, conn, wsLog, session.ID)
			return
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			ws.WriteError(conn, "unknown action")
		}
	}
}

// handleAutosave pushes the response onto the persist queue and mirrors it
// into the hot answers hash. The response worker owns the durable write.
func (h *WSHandler) handleAutosave(c *gin.Context, conn *websocket.Conn, wsLog zerolog.Logger, session *model.ExamSession, raw []byte) {
	var req ws.AutosaveRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.QuestionID == "" {
		ws.WriteError(conn, "malformed autosave payload")
		return
	}
	if _, err := uuid.Parse(req.QuestionID); err != nil {
		ws.WriteError(conn, "invalid question ID")
		return
	}
	if !json.Valid([]byte(req.Payload)) {
		ws.WriteError(conn, "payload must be valid JSON")
		return
	}

	ctx := c.Request.Context()

	queued, err := json.Marshal(map[string]interface{}{
		"session_id":         session.ID.String(),
		"question_id":        req.QuestionID,
		"payload":            json.RawMessage(req.Payload),
		"time_spent_seconds": req.TimeSpent,
		"is_complete":        req.IsComplete,
	})
	if err != nil {
		ws.WriteError(conn, "payload encoding failed")
		return
	}

	if err := h.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, queued).Err(); err != nil {
		wsLog.Error().Err(err).Msg("Autosave enqueue failed")
		ws.WriteError(conn, "autosave failed")
		return
	}

	answersKey := config.CacheKey.SessionAnswersKey(session.ExamID.String(), session.StudentID)
	if err := h.rdb.HSet(ctx, answersKey, req.QuestionID, req.Payload).Err(); err != nil {
		wsLog.Warn().Err(err).Msg("Answer cache write failed")
	}

	ws.WriteTyped(conn, ws.SuccessResponse{Event: ws.EventSuccess, Status: "saved"})
}

func (h *WSHandler) handleHeartbeat(c *gin.Context, conn *websocket.Conn, sessionID uuid.UUID) {
	if err := h.sessionService.Heartbeat(c.Request.Context(), sessionID); err != nil {
		ws.WriteError(conn, "session is not in progress")
		return
	}
	ws.WriteTyped(conn, ws.SuccessResponse{Event: ws.EventSuccess, Status: "alive"})
}

func (h *WSHandler) handleNavigate(c *gin.Context, conn *websocket.Conn, sessionID uuid.UUID, raw []byte) {
	var req ws.NavigateRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.QuestionIndex < 0 {
		ws.WriteError(conn, "malformed navigate payload")
		return
	}

	if err := h.sessionService.Navigate(c.Request.Context(), sessionID, req.QuestionIndex); err != nil {
		ws.WriteError(conn, "session is not in progress")
		return
	}
	ws.WriteTyped(conn, ws.SuccessResponse{Event: ws.EventSuccess, Status: "moved"})
}

func (h *WSHandler) handleSignal(c *gin.Context, conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, raw []byte) {
	var req ws.SignalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		ws.WriteError(conn, "malformed signal payload")
		return
	}

	_, err := h.monitorService.RecordEvent(c.Request.Context(), sessionID, &model.ReportSignalRequest{
		Type:        model.SignalType(req.Type),
		Description: req.Description,
	})
	if err != nil {
		wsLog.Warn().Err(err).Str("type", req.Type).Msg("Signal record failed")
		ws.WriteError(conn, "signal rejected")
		return
	}
	ws.WriteTyped(conn, ws.SuccessResponse{Event: ws.EventSuccess, Status: "recorded"})
}

func (h *WSHandler) handleSubmit(c *gin.Context, conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID) {
	if err := h.sessionService.Submit(c.Request.Context(), sessionID); err != nil {
		ws.WriteError(conn, "submit failed: session is not in progress")
		return
	}

	wsLog.Info().Msg("Session submitted over WebSocket")
	ws.WriteTyped(conn, ws.SubmittedResponse{Event: ws.EventSubmitted, Status: "submitted"})
}
