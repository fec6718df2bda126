package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Repository errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// MutateFunc edits a locked attempt in place. It reports whether anything
// changed; unchanged attempts are not written back.
type MutateFunc func(a *model.Attempt) (bool, error)

// AttemptRepository persists attempts. Subjects and answers live in JSONB
// columns so the whole aggregate is read and written under one row lock.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `id, exam_id, candidate_id, status, started_at, ends_at, overall_ends_at, closes_at,
	current_subject, subjects, answers, violation_count, finished_at, version, created_at, updated_at`

// Create inserts a new attempt. Returns ErrConflict if the candidate already
// has an attempt for the exam.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	subjects, answers, err := encodeAggregate(a)
	if err != nil {
		return err
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO attempts (id, exam_id, candidate_id, status, started_at, ends_at, overall_ends_at, closes_at,
		                       current_subject, subjects, answers)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (exam_id, candidate_id) DO NOTHING
		 RETURNING version, created_at, updated_at`,
		a.ID, a.ExamID, a.CandidateID, a.Status, a.StartedAt, a.EndsAt, a.OverallEndsAt, a.ClosesAt,
		a.CurrentSubject, subjects, answers,
	).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// GetByID retrieves an attempt by its ID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

// GetByExamAndCandidate retrieves the attempt of one candidate for one exam.
func (r *AttemptRepository) GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID int) (*model.Attempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = $1 AND candidate_id = $2`,
		examID, candidateID)
	return scanAttempt(row)
}

// Mutate locks the attempt row, applies fn and writes the result back with a
// version compare-and-set. Concurrent callers on the same attempt are
// serialized; the first to take the lock decides.
func (r *AttemptRepository) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Attempt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	changed, err := fn(a)
	if err != nil {
		return nil, err
	}
	if !changed {
		return a, tx.Commit(ctx)
	}

	subjects, answers, err := encodeAggregate(a)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE attempts
		 SET status = $3, ends_at = $4, current_subject = $5, subjects = $6, answers = $7,
		     finished_at = $8, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.Status, a.EndsAt, a.CurrentSubject, subjects, answers, a.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	a.Version++
	a.UpdatedAt = time.Now()
	return a, nil
}

// ListOverdue returns in-progress attempts whose deadline plus grace has passed.
func (r *AttemptRepository) ListOverdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM attempts
		 WHERE status = $1 AND ends_at < $2
		 ORDER BY ends_at
		 LIMIT $3`,
		model.AttemptStatusInProgress, now.Add(-grace), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	var subjects, answers []byte
	err := row.Scan(&a.ID, &a.ExamID, &a.CandidateID, &a.Status, &a.StartedAt, &a.EndsAt,
		&a.OverallEndsAt, &a.ClosesAt, &a.CurrentSubject, &subjects, &answers,
		&a.ViolationCount, &a.FinishedAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}

	if err := json.Unmarshal(subjects, &a.Subjects); err != nil {
		return nil, fmt.Errorf("decode subjects: %w", err)
	}
	if err := json.Unmarshal(answers, &a.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	return a, nil
}

func encodeAggregate(a *model.Attempt) (subjects, answers []byte, err error) {
	s := a.Subjects
	if s == nil {
		s = []model.SubjectState{}
	}
	ans := a.Answers
	if ans == nil {
		ans = []model.Answer{}
	}
	if subjects, err = json.Marshal(s); err != nil {
		return nil, nil, fmt.Errorf("encode subjects: %w", err)
	}
	if answers, err = json.Marshal(ans); err != nil {
		return nil, nil, fmt.Errorf("encode answers: %w", err)
	}
	return subjects, answers, nil
}
