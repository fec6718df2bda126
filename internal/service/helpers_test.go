package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pairKey struct {
	exam      uuid.UUID
	candidate int
}

// memStore mirrors AttemptRepository semantics: unique (exam, candidate),
// serialized Mutate and a version bump on every write.
type memStore struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*model.Attempt
	byPair map[pairKey]uuid.UUID
	writes int
}

func newMemStore() *memStore {
	return &memStore{rows: map[uuid.UUID]*model.Attempt{}, byPair: map[pairKey]uuid.UUID{}}
}

func (m *memStore) Create(_ context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{a.ExamID, a.CandidateID}
	if _, ok := m.byPair[k]; ok {
		return repository.ErrConflict
	}
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = a.StartedAt, a.StartedAt
	m.rows[a.ID] = a.Clone()
	m.byPair[k] = a.ID
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *memStore) GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID int) (*model.Attempt, error) {
	m.mu.Lock()
	id, ok := m.byPair[pairKey{examID, candidateID}]
	m.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *memStore) Mutate(_ context.Context, id uuid.UUID, fn repository.MutateFunc) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	a := stored.Clone()
	changed, err := fn(a)
	if err != nil {
		return nil, err
	}
	if !changed {
		return a, nil
	}
	a.Version++
	m.rows[id] = a.Clone()
	m.writes++
	return a, nil
}

func (m *memStore) ListOverdue(_ context.Context, now time.Time, grace time.Duration, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range m.rows {
		if a.Status == model.AttemptStatusInProgress && a.EndsAt.Before(now.Add(-grace)) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeExams map[uuid.UUID]*model.ExamDefinition

func (f fakeExams) Get(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e, ok := f[id]
	if !ok {
		return nil, ErrExamNotFound
	}
	return e, nil
}

func choiceQuestion(t model.QuestionType) model.QuestionDefinition {
	return model.QuestionDefinition{ID: uuid.New(), Type: t, Options: []string{"a", "b", "c", "d"}}
}

// twoSubjectExam has subjects of 60s and 90s with one MCQ and one short answer each.
func twoSubjectExam() *model.ExamDefinition {
	return &model.ExamDefinition{
		ID:     uuid.New(),
		Title:  "Mock exam",
		Status: model.ExamStatusPublished,
		Subjects: []model.SubjectDefinition{
			{Key: "math", DurationSeconds: 60, Questions: []model.QuestionDefinition{
				choiceQuestion(model.QuestionTypeSingleChoice),
				{ID: uuid.New(), Type: model.QuestionTypeShortAnswer},
			}},
			{Key: "physics", DurationSeconds: 90, Questions: []model.QuestionDefinition{
				choiceQuestion(model.QuestionTypeMultipleChoice),
				{ID: uuid.New(), Type: model.QuestionTypeImage},
			}},
		},
	}
}

type fixture struct {
	svc   *AttemptService
	store *memStore
	clock *fakeClock
	exams fakeExams
	mr    *miniredis.Miniredis
	rdb   *redis.Client
}

func newFixture(t *testing.T, exams ...*model.ExamDefinition) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		store: newMemStore(),
		clock: &fakeClock{now: epoch},
		exams: fakeExams{},
		mr:    mr,
		rdb:   rdb,
	}
	for _, e := range exams {
		f.exams[e.ID] = e
	}

	log := zerolog.Nop()
	f.svc = NewAttemptService(f.store, f.exams, NewTimerCache(rdb, time.Hour), NewEventBus(rdb, log), f.clock, 0, log)
	return f
}

func mcq(idx int, opts ...int) model.AnswerEntry {
	return model.AnswerEntry{QuestionIndex: idx, Type: model.QuestionTypeSingleChoice, Answer: model.OptionsAnswer(opts...)}
}

func approx(got, want float64) bool {
	d := got - want
	return d > -0.5 && d < 0.5
}
