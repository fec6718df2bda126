package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// AdminHandler handles operator endpoints for exam caches and attempts.
type AdminHandler struct {
	attemptService *service.AttemptService
	examService    *service.ExamDefinitionService
	log            zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(attemptService *service.AttemptService, examService *service.ExamDefinitionService, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		attemptService: attemptService,
		examService:    examService,
		log:            log.With().Str("component", "admin_handler").Logger(),
	}
}

// WarmExamCache godoc
// POST /api/v1/admin/exams/:exam_id/cache
// Reloads the exam definition from the database into Redis.
func (h *AdminHandler) WarmExamCache(c *gin.Context) {
	examID, ok := examParam(c)
	if !ok {
		return
	}

	if err := h.examService.Warm(c.Request.Context(), examID); err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().Str("exam_id", examID.String()).Msg("Exam cache warmed")
	response.Success(c, http.StatusOK, gin.H{"exam_id": examID, "cached": true})
}

// InvalidateExamCache godoc
// DELETE /api/v1/admin/exams/:exam_id/cache
func (h *AdminHandler) InvalidateExamCache(c *gin.Context) {
	examID, ok := examParam(c)
	if !ok {
		return
	}

	if err := h.examService.Invalidate(c.Request.Context(), examID); err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().Str("exam_id", examID.String()).Msg("Exam cache invalidated")
	response.Success(c, http.StatusOK, gin.H{"exam_id": examID, "cached": false})
}

// InspectAttempt godoc
// GET /api/v1/admin/attempts/:attempt_id
// Returns the attempt view for any candidate. Applies lazy expiry.
func (h *AdminHandler) InspectAttempt(c *gin.Context) {
	attemptID, ok := adminAttemptParam(c)
	if !ok {
		return
	}

	state, err := h.attemptService.Inspect(c.Request.Context(), attemptID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// ExpireAttempt godoc
// POST /api/v1/admin/attempts/:attempt_id/expire
// Forces the time check now. Attempts still in time are left untouched.
func (h *AdminHandler) ExpireAttempt(c *gin.Context) {
	attemptID, ok := adminAttemptParam(c)
	if !ok {
		return
	}

	a, err := h.attemptService.Expire(c.Request.Context(), attemptID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"attempt_id": a.ID,
		"status":     a.Status,
		"version":    a.Version,
	})
}

func (h *AdminHandler) fail(c *gin.Context, err error) {
	status, code, fields := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Admin request failed")
	}
	if fields != nil {
		response.FailWithFields(c, status, code, fields)
		return
	}
	response.Fail(c, status, code)
}

func examParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

func adminAttemptParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
