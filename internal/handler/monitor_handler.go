package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	monitorService *service.MonitorService
	examService    *service.ExamDefinitionService
	log            zerolog.Logger
}

func NewMonitorHandler(
	monitorService *service.MonitorService,
	examService *service.ExamDefinitionService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		monitorService: monitorService,
		examService:    examService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// GetSnapshot godoc
// GET /api/v1/admin/exams/:exam_id/monitor/snapshot
func (h *MonitorHandler) GetSnapshot(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	snap, err := h.monitorService.GetSnapshot(c.Request.Context(), examID)
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Monitor snapshot failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.examService.Get(c.Request.Context(), examID)
	if err != nil {
		status, code, _ := errorStatus(err)
		response.Fail(c, status, code)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	totalQuestions := 0
	for _, sub := range exam.Subjects {
		totalQuestions += len(sub.Questions)
	}

	c.SSEvent("message", gin.H{
		"type": "exam",
		"data": gin.H{
			"id":              examID.String(),
			"title":           exam.Title,
			"subjects":        len(exam.Subjects),
			"total_questions": totalQuestions,
		},
	})
	h.sendSnapshot(c, reqCtx, examID, "snapshot")

	pubsub := h.monitorService.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refresh queries until something has happened since the last one.
	dirty := false

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are already JSON; forward them untouched.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			h.sendSnapshot(c, reqCtx, examID, "refresh")

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes the aggregated monitor state as one SSE event.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, examID uuid.UUID, typ string) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.GetSnapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to fetch monitor snapshot")
		return
	}

	c.SSEvent("message", gin.H{"type": typ, "data": snap})
	c.Writer.Flush()
}
