package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Monitor event types published on the exam monitor channel.
const (
	EventAttemptStarted   = "attempt_started"
	EventSubjectAdvanced  = "subject_advanced"
	EventAttemptFinished  = "attempt_finished"
	EventViolationCounted = "violation"
)

// MonitorEvent is the payload published to admins watching an exam.
type MonitorEvent struct {
	Type           string              `json:"type"`
	AttemptID      uuid.UUID           `json:"attempt_id"`
	CandidateID    int                 `json:"candidate_id"`
	Status         model.AttemptStatus `json:"status"`
	CurrentSubject int                 `json:"current_subject"`
	Kind           string              `json:"kind,omitempty"`
	At             time.Time           `json:"at"`
}

// FinalizedAttempt is queued for the scoring pipeline once an attempt is terminal.
type FinalizedAttempt struct {
	AttemptID   uuid.UUID           `json:"attempt_id"`
	ExamID      uuid.UUID           `json:"exam_id"`
	CandidateID int                 `json:"candidate_id"`
	Status      model.AttemptStatus `json:"status"`
	FinishedAt  time.Time           `json:"finished_at"`
}

// ViolationEvent is queued by candidates and persisted by the violation worker.
type ViolationEvent struct {
	AttemptID   uuid.UUID `json:"attempt_id"`
	ExamID      uuid.UUID `json:"exam_id"`
	CandidateID int       `json:"candidate_id"`
	Kind        string    `json:"kind"`
	Payload     string    `json:"payload,omitempty"`
	Timestamp   int64     `json:"timestamp"`
}

// EventBus hands attempt transitions to Redis queues and pub/sub.
// Delivery is best-effort; the attempt row stays the source of truth.
type EventBus struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewEventBus creates a new EventBus.
func NewEventBus(rdb *redis.Client, log zerolog.Logger) *EventBus {
	return &EventBus{
		rdb: rdb,
		log: log.With().Str("component", "event_bus").Logger(),
	}
}

// Monitor publishes ev on the exam's monitor channel.
func (b *EventBus) Monitor(ctx context.Context, examID uuid.UUID, ev MonitorEvent) {
	data, _ := json.Marshal(ev)
	if err := b.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), data).Err(); err != nil {
		b.log.Warn().Err(err).Str("attempt_id", ev.AttemptID.String()).Msg("Monitor publish failed")
	}
}

// Finalized queues a terminal attempt for scoring.
func (b *EventBus) Finalized(ctx context.Context, a *model.Attempt) {
	finishedAt := a.UpdatedAt
	if a.FinishedAt != nil {
		finishedAt = *a.FinishedAt
	}
	data, _ := json.Marshal(FinalizedAttempt{
		AttemptID:   a.ID,
		ExamID:      a.ExamID,
		CandidateID: a.CandidateID,
		Status:      a.Status,
		FinishedAt:  finishedAt,
	})
	if err := b.rdb.RPush(ctx, config.WorkerKey.FinalizedAttemptsQueue, data).Err(); err != nil {
		b.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to queue finalized attempt")
	}
}

// Violation queues a violation event for the violation worker.
func (b *EventBus) Violation(ctx context.Context, ev ViolationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data).Err()
}
