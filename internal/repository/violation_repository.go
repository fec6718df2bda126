package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ViolationRecord is one persisted violation event.
type ViolationRecord struct {
	AttemptID   uuid.UUID
	ExamID      uuid.UUID
	CandidateID int
	Kind        string
	EventData   *string
	RecordedAt  time.Time
}

// ViolationRepository writes violation events and keeps attempts.violation_count in step.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// BulkInsert copies a batch of violations in one round trip.
func (r *ViolationRepository) BulkInsert(ctx context.Context, batch []ViolationRecord) error {
	rows := make([][]any, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, []any{v.AttemptID, v.ExamID, v.CandidateID, v.Kind, v.EventData, v.RecordedAt})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_violations"},
		[]string{"attempt_id", "exam_id", "candidate_id", "kind", "event_data", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert writes a single violation.
func (r *ViolationRepository) Insert(ctx context.Context, v ViolationRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_violations (attempt_id, exam_id, candidate_id, kind, event_data, recorded_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		v.AttemptID, v.ExamID, v.CandidateID, v.Kind, v.EventData, v.RecordedAt,
	)
	return err
}

// IncrementCounts adds the per-attempt deltas to attempts.violation_count.
// The version is bumped so a concurrent Mutate does not overwrite the count.
// Attempts that finished after the event was queued keep their final count.
func (r *ViolationRepository) IncrementCounts(ctx context.Context, deltas map[uuid.UUID]int) error {
	if len(deltas) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(deltas))
	counts := make([]int32, 0, len(deltas))
	for id, n := range deltas {
		ids = append(ids, id)
		counts = append(counts, int32(n))
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE attempts AS a
		 SET violation_count = a.violation_count + d.n,
		     version = a.version + 1,
		     updated_at = NOW()
		 FROM UNNEST($1::uuid[], $2::int[]) AS d(id, n)
		 WHERE a.id = d.id AND a.status = 'in_progress'`,
		ids, counts,
	)
	return err
}
