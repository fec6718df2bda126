package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// ArtifactHandler handles answer artifact uploads.
type ArtifactHandler struct {
	attemptService  *service.AttemptService
	artifactService *service.ArtifactService
	log             zerolog.Logger
}

// NewArtifactHandler creates a new ArtifactHandler.
func NewArtifactHandler(attemptService *service.AttemptService, artifactService *service.ArtifactService, log zerolog.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		attemptService:  attemptService,
		artifactService: artifactService,
		log:             log.With().Str("component", "artifact_handler").Logger(),
	}
}

// UploadArtifact godoc
// POST /api/v1/candidate/attempts/:attempt_id/artifacts
// Stores an image and returns the image_path to submit as an image answer.
func (h *ArtifactHandler) UploadArtifact(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}

	attempt, err := h.attemptService.Get(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		status, code, _ := errorStatus(err)
		response.Fail(c, status, code)
		return
	}
	if attempt.Status.IsTerminal() {
		response.Fail(c, http.StatusConflict, response.ErrConflict)
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}
	defer file.Close()

	path, err := h.artifactService.Save(attemptID, file, header)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnsupportedFileType):
			response.Fail(c, http.StatusBadRequest, response.ErrUnsupportedFile)
		case errors.Is(err, service.ErrFileTooLarge):
			response.Fail(c, http.StatusBadRequest, response.ErrFileTooLarge)
		default:
			h.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Artifact save failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"image_path": path})
}
