package websocket

import (
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave  Action = "autosave"
	ActionSync      Action = "sync"
	ActionViolation Action = "violation"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
// ReqID is echoed back so clients can match replies to requests.
type RequestEnvelope struct {
	Action Action `json:"action"`
	ReqID  string `json:"req_id,omitempty"`
}

// AutosaveRequest merges an answer batch into the current subject.
type AutosaveRequest struct {
	Action       Action              `json:"action"`
	ReqID        string              `json:"req_id,omitempty"`
	SubjectIndex int                 `json:"subject_index" binding:"min=0"`
	Answers      []model.AnswerEntry `json:"answers" binding:"required,min=1,max=500,dive"`
}

// ViolationRequest reports a suspicious client event.
type ViolationRequest struct {
	Action  Action `json:"action"`
	ReqID   string `json:"req_id,omitempty"`
	Kind    string `json:"kind" binding:"required,min=2,max=50"`
	Payload string `json:"payload" binding:"omitempty,max=2000"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSaved    Event = "saved"
	EventTimer    Event = "timer"
	EventRecorded Event = "recorded"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

// TimerResponse answers autosave and sync with the authoritative timer.
type TimerResponse struct {
	Event Event               `json:"event"`
	ReqID string              `json:"req_id,omitempty"`
	Timer model.TimerSnapshot `json:"timer"`
}

// RecordedResponse acknowledges a queued violation.
type RecordedResponse struct {
	Event Event  `json:"event"`
	ReqID string `json:"req_id,omitempty"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	ReqID  string            `json:"req_id,omitempty"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event      Event  `json:"event"`
	ReqID      string `json:"req_id,omitempty"`
	ServerTime int64  `json:"server_time_ms"`
}
