package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ExamDefinitionRepository reads exam definitions. The attempt engine never writes them.
type ExamDefinitionRepository struct {
	pool *pgxpool.Pool
}

// NewExamDefinitionRepository creates a new ExamDefinitionRepository.
func NewExamDefinitionRepository(pool *pgxpool.Pool) *ExamDefinitionRepository {
	return &ExamDefinitionRepository{pool: pool}
}

// GetByID assembles an exam with its ordered subjects and questions.
func (r *ExamDefinitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, status, duration_seconds, closes_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Status, &e.DurationSeconds, &e.ClosesAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT subject_key, title, duration_seconds
		 FROM exam_subjects
		 WHERE exam_id = $1
		 ORDER BY position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	for rows.Next() {
		var s model.SubjectDefinition
		if err := rows.Scan(&s.Key, &s.Title, &s.DurationSeconds); err != nil {
			rows.Close()
			return nil, err
		}
		e.Subjects = append(e.Subjects, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	qrows, err := r.pool.Query(ctx,
		`SELECT subject_position, id, question_type, prompt, options
		 FROM exam_questions
		 WHERE exam_id = $1
		 ORDER BY subject_position, position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer qrows.Close()

	for qrows.Next() {
		var (
			pos     int
			q       model.QuestionDefinition
			options []byte
		)
		if err := qrows.Scan(&pos, &q.ID, &q.Type, &q.Prompt, &options); err != nil {
			return nil, err
		}
		if pos < 0 || pos >= len(e.Subjects) {
			return nil, fmt.Errorf("question %s references subject %d of %d", q.ID, pos, len(e.Subjects))
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &q.Options); err != nil {
				return nil, fmt.Errorf("decode options of %s: %w", q.ID, err)
			}
		}
		e.Subjects[pos].Questions = append(e.Subjects[pos].Questions, q)
	}
	return e, qrows.Err()
}

// ListPublishedIDs returns the IDs of all exams candidates can currently start.
func (r *ExamDefinitionRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exams WHERE status = $1 ORDER BY created_at`, model.ExamStatusPublished)
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
