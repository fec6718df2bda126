package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// AttemptSummary is the per-candidate row shown on the live monitor.
type AttemptSummary struct {
	AttemptID      uuid.UUID           `json:"attempt_id"`
	CandidateID    int                 `json:"candidate_id"`
	Status         model.AttemptStatus `json:"status"`
	CurrentSubject int                 `json:"current_subject"`
	EndsAt         time.Time           `json:"ends_at"`
	AnsweredCount  int                 `json:"answered_count"`
	ViolationCount int                 `json:"violation_count"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
}

// MonitorRepository provides data access for the live exam monitor.
// It combines PostgreSQL (attempt state) and Redis (live event stream).
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{pool: pool, rdb: rdb}
}

// GetAttemptSummaries returns one summary row per attempt of the exam.
func (r *MonitorRepository) GetAttemptSummaries(ctx context.Context, examID uuid.UUID) ([]AttemptSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, candidate_id, status, current_subject, ends_at,
		        (SELECT COUNT(*) FROM jsonb_array_elements(answers) ans WHERE ans->'value' <> 'null'::jsonb),
		        violation_count, started_at, finished_at
		 FROM attempts
		 WHERE exam_id = $1
		 ORDER BY started_at`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AttemptSummary, 0)
	for rows.Next() {
		var s AttemptSummary
		if err := rows.Scan(&s.AttemptID, &s.CandidateID, &s.Status, &s.CurrentSubject, &s.EndsAt,
			&s.AnsweredCount, &s.ViolationCount, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetViolationCounts returns the number of recorded violations per kind for the exam.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT kind, COUNT(*)
		 FROM attempt_violations
		 WHERE exam_id = $1
		 GROUP BY kind`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}

// Subscribe attaches to the exam's live monitor channel.
func (r *MonitorRepository) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return r.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}
