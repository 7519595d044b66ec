package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/handler"
	"github.com/examgate/examgate/internal/middleware"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/response"
	"github.com/examgate/examgate/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth     *handler.AuthHandler
	Workflow *handler.WorkflowHandler
	Session  *handler.SessionHandler
	Monitor  *handler.MonitorHandler
	WS       *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally. SSE and WebSocket requests pass
	// through untouched.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for auth routes (30 requests per minute per IP).
	authLimiter := middleware.NewRateLimiter(30, time.Minute)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	auth.Use(authLimiter.Middleware())
	{
		auth.POST("/student/login", handlers.Auth.StudentLogin)
		auth.POST("/proctor/login", handlers.Auth.ProctorLogin)

		// Authenticated profile routes
		auth.POST("/student/logout", middleware.RequireStudentJWT(authService), handlers.Auth.StudentLogout)
		auth.GET("/student/me", middleware.RequireStudentJWT(authService), handlers.Auth.GetStudentProfile)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		studentAPI.POST("/exams/:exam_id/session", handlers.Session.StartOrResume)
		studentAPI.GET("/sessions/:id/snapshot", handlers.Session.GetSnapshot)
		studentAPI.PUT("/sessions/:id/responses", handlers.Session.RecordResponse)
		studentAPI.POST("/sessions/:id/heartbeat", handlers.Session.Heartbeat)
		studentAPI.PUT("/sessions/:id/position", handlers.Session.Navigate)
		studentAPI.POST("/sessions/:id/suspend", handlers.Session.Suspend)
		studentAPI.POST("/sessions/:id/resume", handlers.Session.Resume)
		studentAPI.POST("/sessions/:id/submit", handlers.Session.Submit)
		studentAPI.POST("/sessions/:id/signals", handlers.Monitor.ReportSignal)
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.ExamWebSocketStream)
	}

	// ─── 4. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireProctorJWT(authService))
	{
		// Exams and publish workflow
		adminAPI.POST("/exams",
			middleware.RequirePermission(string(model.PermissionExamsWrite)),
			handlers.Workflow.CreateExam,
		)
		adminAPI.GET("/exams/:id/workflow",
			middleware.RequirePermission(string(model.PermissionExamsRead)),
			handlers.Workflow.GetWorkflow,
		)
		adminAPI.POST("/workflows/:id/transitions",
			middleware.RequirePermission(string(model.PermissionExamsPublish)),
			handlers.Workflow.RequestTransition,
		)
		adminAPI.PUT("/workflows/:id/schedule",
			middleware.RequirePermission(string(model.PermissionExamsWrite)),
			handlers.Workflow.UpdateSchedule,
		)
		adminAPI.PUT("/workflows/:id/roster",
			middleware.RequirePermission(string(model.PermissionExamsWrite)),
			handlers.Workflow.AssignStudents,
		)
		adminAPI.GET("/workflows/:id/transitions",
			middleware.RequirePermission(string(model.PermissionExamsRead)),
			handlers.Workflow.GetHistory,
		)

		// Live monitoring
		adminAPI.GET("/exams/:id/monitor",
			middleware.RequirePermission(string(model.PermissionMonitorView)),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.GET("/exams/:id/sessions",
			middleware.RequirePermission(string(model.PermissionMonitorView)),
			handlers.Monitor.ListSessions,
		)
		adminAPI.GET("/exams/:id/events",
			middleware.RequirePermission(string(model.PermissionMonitorView)),
			handlers.Monitor.ListEvents,
		)
		adminAPI.POST("/sessions/:id/actions",
			middleware.RequirePermission(string(model.PermissionMonitorAct)),
			handlers.Monitor.TakeAction,
		)
		adminAPI.POST("/events/:id/resolve",
			middleware.RequirePermission(string(model.PermissionMonitorAct)),
			handlers.Monitor.ResolveEvent,
		)

		// Student session administration
		adminAPI.POST("/students/:id/reset-session",
			middleware.RequirePermission(string(model.PermissionStudentsWrite)),
			handlers.Auth.ResetStudentSession,
		)
	}

	return router
}
