package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// artifactMaxAge is how long clients may cache an uploaded artifact.
// Artifact names are random, so they never change under the same path.
const artifactMaxAge = 86400

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt  *handler.AttemptHandler
	Artifact *handler.ArtifactHandler
	WS       *handler.WSHandler
	Admin    *handler.AdminHandler
	Monitor  *handler.MonitorHandler
	System   *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID, "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(
		response.RequestIDMiddleware(),
		middleware.RequestLogger(log),
		middleware.Secure(gin.Mode() != gin.ReleaseMode),
		middleware.Brotli(),
	)

	// Artifacts are immutable once written.
	artifacts := router.Group("/artifacts")
	artifacts.Use(middleware.CacheControl(artifactMaxAge))
	{
		artifacts.Static("/", cfg.UploadDir)
	}

	router.GET("/health", handlers.System.Health)

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.NoStore(),
	)
	{
		candidateAPI.POST("/exams/:exam_id/attempts", handlers.Attempt.StartAttempt)
		candidateAPI.GET("/exams/:exam_id/attempt", handlers.Attempt.ResumeAttempt)
		candidateAPI.GET("/attempts/:attempt_id", handlers.Attempt.GetStatus)
		candidateAPI.GET("/attempts/:attempt_id/sync",
			middleware.RateLimit(cfg.SyncRateLimit, time.Minute),
			handlers.Attempt.SyncTime,
		)
		candidateAPI.PUT("/attempts/:attempt_id/subjects/:subject_index/answers", handlers.Attempt.SaveAnswers)
		candidateAPI.POST("/attempts/:attempt_id/subjects/:subject_index/submit", handlers.Attempt.SubmitSubject)
		candidateAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitExam)
		candidateAPI.POST("/attempts/:attempt_id/violations", handlers.Attempt.ReportViolation)
		candidateAPI.POST("/attempts/:attempt_id/artifacts", handlers.Artifact.UploadArtifact)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(authService))
	{
		ws.GET("/candidate/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(
		middleware.RequireAdminJWT(authService),
		middleware.NoStore(),
	)
	{
		// Exam definition cache
		adminAPI.POST("/exams/:exam_id/cache",
			middleware.RequirePermission(model.PermissionExamsCache),
			handlers.Admin.WarmExamCache,
		)
		adminAPI.DELETE("/exams/:exam_id/cache",
			middleware.RequirePermission(model.PermissionExamsCache),
			handlers.Admin.InvalidateExamCache,
		)

		// Live monitor
		adminAPI.GET("/exams/:exam_id/monitor",
			middleware.RequirePermission(model.PermissionExamsMonitor),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.GET("/exams/:exam_id/monitor/snapshot",
			middleware.RequirePermission(model.PermissionExamsMonitor),
			handlers.Monitor.GetSnapshot,
		)

		// Attempts
		adminAPI.GET("/attempts/:attempt_id",
			middleware.RequirePermission(model.PermissionAttemptsRead),
			handlers.Admin.InspectAttempt,
		)
		adminAPI.POST("/attempts/:attempt_id/expire",
			middleware.RequirePermission(model.PermissionAttemptsExpire),
			handlers.Admin.ExpireAttempt,
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			handlers.System.SystemMetricsSSE, // Open to all admins
		)
	}

	return router
}
