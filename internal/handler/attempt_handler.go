package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/merge"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// AttemptHandler handles candidate-facing attempt endpoints.
type AttemptHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/candidate/exams/:exam_id/attempts
// Creates the candidate's only attempt for the exam and opens the first subject.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.attemptService.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, state)
}

// ResumeAttempt godoc
// GET /api/v1/candidate/exams/:exam_id/attempt
// Finds the candidate's attempt for an exam so a client that lost the attempt ID can resume.
func (h *AttemptHandler) ResumeAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attemptService.GetByExamAndCandidate(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	state, err := h.attemptService.Status(c.Request.Context(), attempt.ID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// GetStatus godoc
// GET /api/v1/candidate/attempts/:attempt_id
// Returns the full attempt view. Covers page reloads.
func (h *AttemptHandler) GetStatus(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}

	state, err := h.attemptService.Status(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// SyncTime godoc
// GET /api/v1/candidate/attempts/:attempt_id/sync
// Returns the authoritative remaining time without touching answers.
func (h *AttemptHandler) SyncTime(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}

	snap, err := h.attemptService.Sync(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// SaveAnswers godoc
// PUT /api/v1/candidate/attempts/:attempt_id/subjects/:subject_index/answers
// Merges an autosave batch into the current subject.
func (h *AttemptHandler) SaveAnswers(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}
	subjectIndex, ok := subjectParam(c)
	if !ok {
		return
	}

	var req model.AnswerBatchRequest
	if !bindAnswers(c, &req, false) {
		return
	}

	snap, err := h.attemptService.SaveAnswers(c.Request.Context(), attemptID, claims.UserID, subjectIndex, req.Answers)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// SubmitSubject godoc
// POST /api/v1/candidate/attempts/:attempt_id/subjects/:subject_index/submit
// Merges the final batch, closes the subject and opens the next one.
func (h *AttemptHandler) SubmitSubject(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}
	subjectIndex, ok := subjectParam(c)
	if !ok {
		return
	}

	var req model.AnswerBatchRequest
	if !bindAnswers(c, &req, true) {
		return
	}

	state, err := h.attemptService.SubmitSubjectAndAdvance(c.Request.Context(), attemptID, claims.UserID, subjectIndex, req.Answers)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// SubmitExam godoc
// POST /api/v1/candidate/attempts/:attempt_id/submit
// Finalizes the attempt. Idempotent.
func (h *AttemptHandler) SubmitExam(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}

	var req model.SubmitExamRequest
	if !bindAnswers(c, &req, true) {
		return
	}

	state, err := h.attemptService.SubmitExam(c.Request.Context(), attemptID, claims.UserID, req.SubjectIndex, req.Answers)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// ReportViolation godoc
// POST /api/v1/candidate/attempts/:attempt_id/violations
// Queues a suspicious client event for asynchronous counting.
func (h *AttemptHandler) ReportViolation(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}

	var req model.ViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attemptService.ReportViolation(c.Request.Context(), attemptID, claims.UserID, req.Kind, req.Payload); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"status": "queued"})
}

// bindAnswers binds a request carrying answers. Malformed entries are an
// invalid answer payload; anything else about the body is a validation error.
func bindAnswers(c *gin.Context, dst any, optional bool) bool {
	fields, answer := validator.BindAnswers(c, dst, optional)
	switch {
	case fields == nil:
		return true
	case answer:
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrInvalidAnswerPayload, fields)
	default:
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
	}
	return false
}

// fail maps service errors to API error codes.
func (h *AttemptHandler) fail(c *gin.Context, err error) {
	status, code, fields := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
	}
	if fields != nil {
		response.FailWithFields(c, status, code, fields)
		return
	}
	response.Fail(c, status, code)
}

// errorStatus is shared by the REST and websocket handlers.
func errorStatus(err error) (int, response.ErrCode, map[string]string) {
	var ve *merge.ValidationError
	switch {
	case errors.Is(err, service.ErrInvalidAnswerPayload):
		if errors.As(err, &ve) {
			return http.StatusUnprocessableEntity, response.ErrInvalidAnswerPayload, ve.Fields()
		}
		return http.StatusUnprocessableEntity, response.ErrInvalidAnswerPayload, nil
	case errors.Is(err, service.ErrStaleSubject):
		return http.StatusConflict, response.ErrStaleSubject, nil
	case errors.Is(err, service.ErrAttemptConflict):
		return http.StatusConflict, response.ErrAttemptConflict, nil
	case errors.Is(err, service.ErrAttemptFinished):
		return http.StatusConflict, response.ErrAttemptFinished, nil
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound, nil
	case errors.Is(err, service.ErrExamNotFound):
		return http.StatusNotFound, response.ErrExamNotFound, nil
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusForbidden, response.ErrExamNotAvailable, nil
	case errors.Is(err, service.ErrInvalidExamDefinition):
		return http.StatusInternalServerError, response.ErrInvalidExamDefinition, nil
	default:
		return http.StatusInternalServerError, response.ErrInternal, nil
	}
}

func attemptParams(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, attemptID, true
}

func subjectParam(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("subject_index"))
	if err != nil || idx < 0 {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"subject_index": "subject_index must be a non-negative integer"})
		return 0, false
	}
	return idx, true
}
