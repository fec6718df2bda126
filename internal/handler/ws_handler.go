package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

// wsOpTimeout bounds each service call made on behalf of a websocket message.
const wsOpTimeout = 10 * time.Second

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

// WSHandler streams autosave, sync and violation traffic for one attempt.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/candidate/attempts/:attempt_id/stream
// Upgrades to WebSocket for autosave, time sync and violation reports.
// Subject submission stays on REST so it is never lost with a dropped socket.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims, attemptID, ok := attemptParams(c)
	if !ok {
		return
	}

	// Ownership is checked before the upgrade so failures are plain HTTP errors.
	if _, err := h.attemptService.Get(c.Request.Context(), attemptID, claims.UserID); err != nil {
		status, code, _ := errorStatus(err)
		response.Fail(c, status, code)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s := &wsSession{
		h:           h,
		conn:        conn,
		attemptID:   attemptID,
		candidateID: claims.UserID,
		log: h.log.With().
			Int("candidate_id", claims.UserID).
			Str("attempt_id", attemptID.String()).
			Logger(),
	}
	s.log.Info().Msg("Candidate connected")
	s.serve(c.Request.Context())
}

type wsSession struct {
	h           *WSHandler
	conn        *websocket.Conn
	attemptID   uuid.UUID
	candidateID int
	log         zerolog.Logger
}

func (s *wsSession) serve(ctx context.Context) {
	for {
		env, data, err := ws.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, ws.ErrMalformed) {
				ws.WriteError(s.conn, "", string(response.ErrInvalidPayload), "message must be a JSON object with an action", nil)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		opCtx, cancel := context.WithTimeout(ctx, wsOpTimeout)
		switch env.Action {
		case ws.ActionAutosave:
			s.handleAutosave(opCtx, env, data)
		case ws.ActionSync:
			s.handleSync(opCtx, env)
		case ws.ActionViolation:
			s.handleViolation(opCtx, env, data)
		case ws.ActionPing:
			ws.WriteTyped(s.conn, ws.PongResponse{Event: ws.EventPong, ReqID: env.ReqID, ServerTime: time.Now().UnixMilli()})
		default:
			s.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			ws.WriteError(s.conn, env.ReqID, string(response.ErrInvalidPayload), "unknown action: "+string(env.Action), nil)
		}
		cancel()
	}
}

// handleAutosave merges a batch and replies with the fresh timer.
func (s *wsSession) handleAutosave(ctx context.Context, env ws.RequestEnvelope, data []byte) {
	var req ws.AutosaveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		if validator.IsAnswerError(err) {
			ws.WriteError(s.conn, env.ReqID, string(response.ErrInvalidAnswerPayload), err.Error(), nil)
			return
		}
		ws.WriteError(s.conn, env.ReqID, string(response.ErrInvalidPayload), err.Error(), nil)
		return
	}
	if fields, answer := validator.StructAnswers(&req); fields != nil {
		code := response.ErrValidation
		if answer {
			code = response.ErrInvalidAnswerPayload
		}
		ws.WriteError(s.conn, env.ReqID, string(code), response.GetMessage(code), fields)
		return
	}

	snap, err := s.h.attemptService.SaveAnswers(ctx, s.attemptID, s.candidateID, req.SubjectIndex, req.Answers)
	if err != nil {
		s.writeServiceError(env.ReqID, err)
		return
	}
	ws.WriteTyped(s.conn, ws.TimerResponse{Event: ws.EventSaved, ReqID: env.ReqID, Timer: *snap})
}

func (s *wsSession) handleSync(ctx context.Context, env ws.RequestEnvelope) {
	snap, err := s.h.attemptService.Sync(ctx, s.attemptID, s.candidateID)
	if err != nil {
		s.writeServiceError(env.ReqID, err)
		return
	}
	ws.WriteTyped(s.conn, ws.TimerResponse{Event: ws.EventTimer, ReqID: env.ReqID, Timer: *snap})
}

func (s *wsSession) handleViolation(ctx context.Context, env ws.RequestEnvelope, data []byte) {
	var req ws.ViolationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ws.WriteError(s.conn, env.ReqID, string(response.ErrInvalidPayload), err.Error(), nil)
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		ws.WriteError(s.conn, env.ReqID, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
		return
	}

	if err := s.h.attemptService.ReportViolation(ctx, s.attemptID, s.candidateID, req.Kind, req.Payload); err != nil {
		s.writeServiceError(env.ReqID, err)
		return
	}
	ws.WriteTyped(s.conn, ws.RecordedResponse{Event: ws.EventRecorded, ReqID: env.ReqID})
}

func (s *wsSession) writeServiceError(reqID string, err error) {
	status, code, fields := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Stream request failed")
	}
	ws.WriteError(s.conn, reqID, string(code), response.GetMessage(code), fields)
}
