package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

// ExamDefinitionSource is the durable store of exam definitions.
type ExamDefinitionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ExamDefinitionService serves exam definitions from Redis with a PostgreSQL fallback.
type ExamDefinitionService struct {
	repo ExamDefinitionSource
	rdb  *redis.Client
	ttl  time.Duration
	log  zerolog.Logger
}

// NewExamDefinitionService creates a new ExamDefinitionService.
func NewExamDefinitionService(repo ExamDefinitionSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamDefinitionService {
	return &ExamDefinitionService{
		repo: repo,
		rdb:  rdb,
		ttl:  ttl,
		log:  log.With().Str("component", "exam_definition_service").Logger(),
	}
}

// Get returns a validated exam definition.
func (s *ExamDefinitionService) Get(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	key := config.CacheKey.ExamDefinitionKey(examID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var exam model.ExamDefinition
		if err := json.Unmarshal(data, &exam); err == nil {
			return &exam, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt cached definition, reloading")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Definition cache read failed")
	}

	return s.load(ctx, examID)
}

// Warm loads an exam from PostgreSQL into Redis.
func (s *ExamDefinitionService) Warm(ctx context.Context, examID uuid.UUID) error {
	_, err := s.load(ctx, examID)
	return err
}

// Invalidate drops a cached definition so the next read reloads it.
func (s *ExamDefinitionService) Invalidate(ctx context.Context, examID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.ExamDefinitionKey(examID.String())).Err()
}

// PrewarmAll loads all published exams into Redis on application startup.
// This prevents lazy-loading stampedes when a whole room starts at once.
func (s *ExamDefinitionService) PrewarmAll(ctx context.Context) error {
	ids, err := s.repo.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	if len(ids) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	warmed := 0
	for _, id := range ids {
		if err := s.Warm(ctx, id); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", id.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}

func (s *ExamDefinitionService) load(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.repo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}
	if err := exam.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExamDefinition, err)
	}

	payload, err := json.Marshal(exam)
	if err != nil {
		return nil, fmt.Errorf("marshal exam: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(examID.String()), payload, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Definition cache write failed")
	}
	return exam, nil
}
