package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session    *handler.SessionHandler
	Classroom  *handler.ClassroomHandler
	Monitor    *handler.MonitorHandler
	Submission *handler.AdminSubmissionHandler
	System     *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// passwordLimiter guards verify-password against guessing.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	passwordLimiter *middleware.RateLimiter,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.GET("/active-session", handlers.Session.GetActiveSession)

		studentAPI.POST("/exams/:exam_id/verify-password",
			passwordLimiter.Middleware(),
			handlers.Session.VerifyPassword,
		)
		studentAPI.POST("/exams/:exam_id/start", handlers.Session.StartExam)

		studentAPI.GET("/submissions/:id/questions/:order", handlers.Session.GetQuestion)
		studentAPI.POST("/submissions/:id/answers", handlers.Session.SubmitAnswer)
		studentAPI.GET("/submissions/:id/resume", handlers.Session.Resume)
		studentAPI.POST("/submissions/:id/submit", handlers.Session.Submit)
		studentAPI.PATCH("/submissions/:id/time", handlers.Session.UpdateTime)
	}

	// ─── 2. WebSocket Group (token query) ──────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSAuth(authService))
	{
		ws.GET("/classroom", handlers.Classroom.Stream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		adminAPI.GET("/exams/:exam_id/submissions",
			middleware.RequirePermission(string(model.PermissionSubmissionsRead)),
			handlers.Submission.ListSubmissions,
		)
		adminAPI.GET("/exams/:exam_id/submissions/export",
			middleware.RequirePermission(string(model.PermissionSubmissionsRead)),
			handlers.Submission.ExportSubmissions,
		)
		adminAPI.GET("/exams/:exam_id/monitor",
			middleware.RequirePermission(string(model.PermissionExamsMonitor)),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.POST("/submissions/:id/cancel",
			middleware.RequirePermission(string(model.PermissionSubmissionsCancel)),
			handlers.Submission.CancelSubmission,
		)
		adminAPI.GET("/system/metrics",
			middleware.RequirePermission(string(model.PermissionSystemRead)),
			handlers.System.SystemMetricsSSE,
		)
	}

	return router
}
