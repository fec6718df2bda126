package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

type fakeSource struct {
	exams map[uuid.UUID]*model.ExamDefinition
	reads int
}

func (f *fakeSource) GetByID(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	f.reads++
	e, ok := f.exams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (f *fakeSource) ListPublishedIDs(context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, e := range f.exams {
		if e.Status == model.ExamStatusPublished {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func TestExamDefinitionServiceCachesDefinitions(t *testing.T) {
	exam := twoSubjectExam()
	src := &fakeSource{exams: map[uuid.UUID]*model.ExamDefinition{exam.ID: exam}}
	f := newFixture(t)
	svc := NewExamDefinitionService(src, f.rdb, time.Hour, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := svc.Get(ctx, exam.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.ID != exam.ID || len(got.Subjects) != 2 || got.Subjects[1].Questions[0].Type != model.QuestionTypeMultipleChoice {
			t.Fatalf("Get() = %+v", got)
		}
	}
	if src.reads != 1 {
		t.Fatalf("source read %d times, want 1", src.reads)
	}

	key := config.CacheKey.ExamDefinitionKey(exam.ID.String())
	if ttl := f.mr.TTL(key); ttl != time.Hour {
		t.Fatalf("cache TTL = %v, want 1h", ttl)
	}

	if err := svc.Invalidate(ctx, exam.ID); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := svc.Get(ctx, exam.ID); err != nil {
		t.Fatalf("Get() after invalidate error = %v", err)
	}
	if src.reads != 2 {
		t.Fatalf("source read %d times after invalidate, want 2", src.reads)
	}
}

func TestExamDefinitionServiceRecoversFromCorruptCache(t *testing.T) {
	exam := twoSubjectExam()
	src := &fakeSource{exams: map[uuid.UUID]*model.ExamDefinition{exam.ID: exam}}
	f := newFixture(t)
	svc := NewExamDefinitionService(src, f.rdb, time.Hour, zerolog.Nop())

	f.mr.Set(config.CacheKey.ExamDefinitionKey(exam.ID.String()), "{not json")

	got, err := svc.Get(context.Background(), exam.ID)
	if err != nil || got.ID != exam.ID {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if src.reads != 1 {
		t.Fatalf("source read %d times, want 1", src.reads)
	}
}

func TestExamDefinitionServiceErrors(t *testing.T) {
	broken := twoSubjectExam()
	broken.Subjects = nil

	src := &fakeSource{exams: map[uuid.UUID]*model.ExamDefinition{broken.ID: broken}}
	f := newFixture(t)
	svc := NewExamDefinitionService(src, f.rdb, time.Hour, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name string
		id   uuid.UUID
		want error
	}{
		{"unknown exam", uuid.New(), ErrExamNotFound},
		{"invalid definition", broken.ID, ErrInvalidExamDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Get(ctx, tt.id); !errors.Is(err, tt.want) {
				t.Fatalf("Get() error = %v, want %v", err, tt.want)
			}
		})
	}

	if f.mr.Exists(config.CacheKey.ExamDefinitionKey(broken.ID.String())) {
		t.Fatal("invalid definition was cached")
	}
}

func TestPrewarmAllSkipsDrafts(t *testing.T) {
	published := twoSubjectExam()
	draft := twoSubjectExam()
	draft.Status = model.ExamStatusDraft

	src := &fakeSource{exams: map[uuid.UUID]*model.ExamDefinition{published.ID: published, draft.ID: draft}}
	f := newFixture(t)
	svc := NewExamDefinitionService(src, f.rdb, time.Hour, zerolog.Nop())

	if err := svc.PrewarmAll(context.Background()); err != nil {
		t.Fatalf("PrewarmAll() error = %v", err)
	}
	if !f.mr.Exists(config.CacheKey.ExamDefinitionKey(published.ID.String())) {
		t.Fatal("published exam not warmed")
	}
	if f.mr.Exists(config.CacheKey.ExamDefinitionKey(draft.ID.String())) {
		t.Fatal("draft exam warmed")
	}
}
