package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/merge"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const candidate = 42

func TestStartOpensFirstSubject(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, err := f.svc.Start(ctx, exam.ID, candidate)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st.Status != model.AttemptStatusInProgress || st.CurrentSubject != 0 {
		t.Fatalf("Start() = status %s subject %d", st.Status, st.CurrentSubject)
	}
	if !approx(st.TimeRemaining, 60) {
		t.Fatalf("TimeRemaining = %v, want ~60", st.TimeRemaining)
	}
	if len(st.Subjects) != 1 || st.Subjects[0].StartedAt == nil {
		t.Fatalf("subjects = %+v, want only subject 0 opened", st.Subjects)
	}

	if _, err := f.svc.Start(ctx, exam.ID, candidate); !errors.Is(err, ErrAttemptConflict) {
		t.Fatalf("second Start() error = %v, want ErrAttemptConflict", err)
	}
}

func TestStartRejectsUnavailableExam(t *testing.T) {
	draft := twoSubjectExam()
	draft.Status = model.ExamStatusDraft
	closed := twoSubjectExam()
	closesAt := epoch.Add(-time.Minute)
	closed.ClosesAt = &closesAt

	f := newFixture(t, draft, closed)
	ctx := context.Background()

	if _, err := f.svc.Start(ctx, draft.ID, candidate); !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("Start(draft) error = %v", err)
	}
	if _, err := f.svc.Start(ctx, closed.ID, candidate); !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("Start(closed) error = %v", err)
	}
	if _, err := f.svc.Start(ctx, uuid.New(), candidate); !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("Start(unknown) error = %v", err)
	}
}

func TestSubmitBeforeDeadlineAdvances(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(59 * time.Second)

	next, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 2)})
	if err != nil {
		t.Fatalf("SubmitSubjectAndAdvance() error = %v", err)
	}
	if next.CurrentSubject != 1 || next.Status != model.AttemptStatusInProgress {
		t.Fatalf("after submit: subject %d status %s", next.CurrentSubject, next.Status)
	}
	if !approx(next.TimeRemaining, 90) {
		t.Fatalf("TimeRemaining = %v, want ~90", next.TimeRemaining)
	}
	if !next.Subjects[0].IsComplete || next.Subjects[0].TimeUsedSec != 59 {
		t.Fatalf("subject 0 = %+v, want complete with 59s used", next.Subjects[0])
	}
	if len(next.Answers) != 1 || !slices.Equal(next.Answers[0].Value.Options, []int{2}) {
		t.Fatalf("answers = %+v", next.Answers)
	}

	_, err = f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 1)})
	if !errors.Is(err, ErrStaleSubject) {
		t.Fatalf("replayed subject 0 error = %v, want ErrStaleSubject", err)
	}
}

func TestNoActionPastDeadlineAutoSubmits(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(61 * time.Second)

	got, err := f.svc.Status(ctx, st.AttemptID, candidate)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != model.AttemptStatusAutoSubmitted {
		t.Fatalf("Status = %s, want auto_submitted", got.Status)
	}
	if got.TimeRemaining != 0 {
		t.Fatalf("TimeRemaining = %v, want 0", got.TimeRemaining)
	}
	if len(got.Subjects) != 2 {
		t.Fatalf("expected both subjects recorded, got %d", len(got.Subjects))
	}
	for _, s := range got.Subjects {
		if !s.IsComplete {
			t.Fatalf("subject %d not complete after expiry", s.Index)
		}
	}
	if got.Subjects[0].TimeUsedSec != 60 {
		t.Fatalf("time used = %d, want capped at 60", got.Subjects[0].TimeUsedSec)
	}
	if got.Subjects[1].StartedAt != nil {
		t.Fatal("skipped subject should never have started")
	}

	queued, _ := f.rdb.LLen(ctx, config.WorkerKey.FinalizedAttemptsQueue).Result()
	if queued != 1 {
		t.Fatalf("finalized queue length = %d, want 1", queued)
	}
}

func TestSubmitAtDeadlineWinsOverExpiry(t *testing.T) {
	exam := twoSubjectExam()
	exam.Subjects = exam.Subjects[:1]
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(60 * time.Second)

	got, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 1)})
	if err != nil {
		t.Fatalf("SubmitSubjectAndAdvance() error = %v", err)
	}
	if got.Status != model.AttemptStatusSubmitted {
		t.Fatalf("Status = %s, want submitted", got.Status)
	}

	// A sweep afterwards must not change the outcome.
	f.clock.Advance(time.Minute)
	a, err := f.svc.Expire(ctx, st.AttemptID)
	if err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	if a.Status != model.AttemptStatusSubmitted {
		t.Fatalf("after sweep status = %s", a.Status)
	}
}

func TestLateSubmitMergesIntoAutoSubmitted(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(61 * time.Second)

	got, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 3)})
	if err != nil {
		t.Fatalf("SubmitSubjectAndAdvance() error = %v", err)
	}
	if got.Status != model.AttemptStatusAutoSubmitted {
		t.Fatalf("Status = %s, want auto_submitted", got.Status)
	}
	if got.CurrentSubject != 0 {
		t.Fatalf("CurrentSubject = %d, want 0", got.CurrentSubject)
	}
	if len(got.Answers) != 1 || !slices.Equal(got.Answers[0].Value.Options, []int{3}) {
		t.Fatalf("late answers not merged: %+v", got.Answers)
	}

	// Expiry followed by a separate late submit gives the same result.
	f2 := newFixture(t, exam)
	st2, _ := f2.svc.Start(ctx, exam.ID, candidate)
	f2.clock.Advance(61 * time.Second)
	if _, err := f2.svc.Expire(ctx, st2.AttemptID); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	got2, err := f2.svc.SubmitSubjectAndAdvance(ctx, st2.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 3)})
	if err != nil {
		t.Fatalf("late SubmitSubjectAndAdvance() error = %v", err)
	}
	if got2.Status != model.AttemptStatusAutoSubmitted || len(got2.Answers) != 1 {
		t.Fatalf("late submit after sweep: status %s answers %d", got2.Status, len(got2.Answers))
	}
}

func TestExpiryCommitsEvenWhenLateBatchIsInvalid(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(2 * time.Minute)

	bad := []model.AnswerEntry{{QuestionIndex: 0, Type: model.QuestionTypeShortAnswer, Answer: model.TextAnswer("x")}}
	if _, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, bad); !errors.Is(err, ErrInvalidAnswerPayload) {
		t.Fatalf("error = %v, want ErrInvalidAnswerPayload", err)
	}

	got, _ := f.svc.Status(ctx, st.AttemptID, candidate)
	if got.Status != model.AttemptStatusAutoSubmitted {
		t.Fatalf("Status = %s, want auto_submitted", got.Status)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, nil)

	batch := []model.AnswerEntry{{QuestionIndex: 0, Type: model.QuestionTypeMultipleChoice, Answer: model.OptionsAnswer(0, 2)}}
	first, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 1, batch)
	if err != nil {
		t.Fatalf("submit last subject error = %v", err)
	}
	f.clock.Advance(5 * time.Second)
	second, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 1, batch)
	if err != nil {
		t.Fatalf("repeat submit error = %v", err)
	}

	if first.Status != model.AttemptStatusSubmitted || second.Status != model.AttemptStatusSubmitted {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	if !reflect.DeepEqual(first.Answers, second.Answers) {
		t.Fatalf("answers differ after replay:\n%+v\n%+v", first.Answers, second.Answers)
	}
	if !first.FinishedAt.Equal(*second.FinishedAt) {
		t.Fatal("replay moved finished_at")
	}
}

func TestSubmitExamSkipsRemainingSubjects(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(10 * time.Second)

	idx := 0
	got, err := f.svc.SubmitExam(ctx, st.AttemptID, candidate, &idx, []model.AnswerEntry{mcq(0, 0)})
	if err != nil {
		t.Fatalf("SubmitExam() error = %v", err)
	}
	if got.Status != model.AttemptStatusSubmitted {
		t.Fatalf("Status = %s", got.Status)
	}
	if len(got.Subjects) != 2 || !got.Subjects[1].IsComplete || got.Subjects[1].StartedAt != nil {
		t.Fatalf("subjects = %+v", got.Subjects)
	}

	again, err := f.svc.SubmitExam(ctx, st.AttemptID, candidate, nil, nil)
	if err != nil {
		t.Fatalf("repeat SubmitExam() error = %v", err)
	}
	if again.Status != model.AttemptStatusSubmitted || !reflect.DeepEqual(again.Answers, got.Answers) {
		t.Fatal("repeat SubmitExam changed the attempt")
	}
}

func TestSaveAnswersIsAtomic(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	good := []model.AnswerEntry{
		mcq(0, 1),
		{QuestionIndex: 1, Type: model.QuestionTypeShortAnswer, Answer: model.TextAnswer("first")},
	}
	if _, err := f.svc.SaveAnswers(ctx, st.AttemptID, candidate, 0, good); err != nil {
		t.Fatalf("SaveAnswers() error = %v", err)
	}
	before, _ := f.svc.Status(ctx, st.AttemptID, candidate)

	bad := []model.AnswerEntry{
		{QuestionIndex: 1, Type: model.QuestionTypeShortAnswer, Answer: model.TextAnswer("second")},
		{QuestionIndex: 0, Type: model.QuestionTypeSingleChoice, Answer: model.TextAnswer("not an option")},
	}
	_, err := f.svc.SaveAnswers(ctx, st.AttemptID, candidate, 0, bad)
	if !errors.Is(err, ErrInvalidAnswerPayload) {
		t.Fatalf("SaveAnswers() error = %v, want ErrInvalidAnswerPayload", err)
	}
	var ve *merge.ValidationError
	if !errors.As(err, &ve) || len(ve.Problems) != 1 {
		t.Fatalf("expected one validation problem, got %v", err)
	}

	after, _ := f.svc.Status(ctx, st.AttemptID, candidate)
	if !reflect.DeepEqual(before.Answers, after.Answers) {
		t.Fatalf("rejected batch changed answers:\n%+v\n%+v", before.Answers, after.Answers)
	}

	if _, err := f.svc.SaveAnswers(ctx, st.AttemptID, candidate, 1, good); !errors.Is(err, ErrStaleSubject) {
		t.Fatalf("SaveAnswers(other subject) error = %v, want ErrStaleSubject", err)
	}
}

func TestOverallDurationBoundsSubjectWindow(t *testing.T) {
	exam := twoSubjectExam()
	exam.DurationSeconds = 100
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(59 * time.Second)
	got, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, nil)
	if err != nil {
		t.Fatalf("SubmitSubjectAndAdvance() error = %v", err)
	}
	if !approx(got.TimeRemaining, 41) {
		t.Fatalf("TimeRemaining = %v, want ~41 (overall bound)", got.TimeRemaining)
	}
}

func TestExamCloseExpiresAttempt(t *testing.T) {
	exam := twoSubjectExam()
	closes := epoch.Add(30 * time.Second)
	exam.ClosesAt = &closes
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	if !approx(st.TimeRemaining, 30) {
		t.Fatalf("TimeRemaining = %v, want ~30", st.TimeRemaining)
	}
	f.clock.Advance(31 * time.Second)

	got, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 1)})
	if err != nil {
		t.Fatalf("SubmitSubjectAndAdvance() error = %v", err)
	}
	if got.Status != model.AttemptStatusExpired {
		t.Fatalf("Status = %s, want expired", got.Status)
	}
	if len(got.Answers) != 1 {
		t.Fatalf("late answers = %d, want 1 kept for grading", len(got.Answers))
	}
}

func TestTimeoutStatusFollowsGoverningDeadline(t *testing.T) {
	tests := []struct {
		name    string
		closeIn time.Duration
		checkAt time.Duration
		want    model.AttemptStatus
	}{
		{"subject budget ran out, checked before close", 100 * time.Second, 70 * time.Second, model.AttemptStatusAutoSubmitted},
		{"subject budget ran out, checked after close", 100 * time.Second, 101 * time.Second, model.AttemptStatusAutoSubmitted},
		{"exam closed first", 40 * time.Second, 41 * time.Second, model.AttemptStatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exam := twoSubjectExam()
			closes := epoch.Add(tt.closeIn)
			exam.ClosesAt = &closes
			f := newFixture(t, exam)
			ctx := context.Background()

			st, err := f.svc.Start(ctx, exam.ID, candidate)
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			f.clock.Advance(tt.checkAt)

			got, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 1)})
			if err != nil {
				t.Fatalf("SubmitSubjectAndAdvance() error = %v", err)
			}
			if got.Status != tt.want {
				t.Fatalf("Status = %s, want %s", got.Status, tt.want)
			}
			if len(got.Answers) != 1 {
				t.Fatalf("late answers = %d, want 1", len(got.Answers))
			}
		})
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)

	if _, err := f.svc.Status(ctx, st.AttemptID, candidate+1); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("Status() error = %v", err)
	}
	if _, err := f.svc.Sync(ctx, st.AttemptID, candidate+1); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, err := f.svc.SubmitExam(ctx, st.AttemptID, candidate+1, nil, nil); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("SubmitExam() error = %v", err)
	}
	if _, err := f.svc.Status(ctx, uuid.New(), candidate); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("Status(unknown) error = %v", err)
	}
}

func TestSyncServedFromCacheAndSelfHeals(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	key := config.CacheKey.AttemptTimerKey(st.AttemptID.String())
	if !f.mr.Exists(key) {
		t.Fatal("Start did not cache the timer")
	}

	var last float64 = 1e9
	for i := 0; i < 5; i++ {
		f.clock.Advance(7 * time.Second)
		snap, err := f.svc.Sync(ctx, st.AttemptID, candidate)
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if snap.TimeRemaining > last || snap.TimeRemaining < 0 {
			t.Fatalf("remaining went from %v to %v", last, snap.TimeRemaining)
		}
		last = snap.TimeRemaining
	}

	f.mr.Del(key)
	snap, err := f.svc.Sync(ctx, st.AttemptID, candidate)
	if err != nil {
		t.Fatalf("Sync() after cache loss error = %v", err)
	}
	if snap.Status != model.AttemptStatusInProgress || !approx(snap.TimeRemaining, 25) {
		t.Fatalf("Sync() = %+v", snap)
	}
	if !f.mr.Exists(key) {
		t.Fatal("Sync did not repopulate the cache")
	}
}

func TestSyncPastDeadlineExpires(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(90 * time.Second)

	snap, err := f.svc.Sync(ctx, st.AttemptID, candidate)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if snap.Status != model.AttemptStatusAutoSubmitted || snap.TimeRemaining != 0 {
		t.Fatalf("Sync() = %+v, want auto_submitted with 0 remaining", snap)
	}

	cached, ok, _ := f.svc.timers.Get(ctx, st.AttemptID)
	if !ok || cached.Status != model.AttemptStatusAutoSubmitted {
		t.Fatalf("cache not updated after expiry: %+v", cached)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	early, _ := f.svc.Start(ctx, exam.ID, 1)
	f.clock.Advance(30 * time.Second)
	late, _ := f.svc.Start(ctx, exam.ID, 2)
	f.clock.Advance(31 * time.Second)

	n, err := f.svc.ExpireOverdue(ctx, 100)
	if err != nil {
		t.Fatalf("ExpireOverdue() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d attempts, want 1", n)
	}

	a, _ := f.store.GetByID(ctx, early.AttemptID)
	b, _ := f.store.GetByID(ctx, late.AttemptID)
	if a.Status != model.AttemptStatusAutoSubmitted || b.Status != model.AttemptStatusInProgress {
		t.Fatalf("statuses = %s, %s", a.Status, b.Status)
	}

	if n, _ := f.svc.ExpireOverdue(ctx, 100); n != 0 {
		t.Fatalf("second sweep expired %d, want 0", n)
	}
}

func TestConcurrentSubmitsTransitionOnce(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(10 * time.Second)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		advanced int
		stale    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitSubjectAndAdvance(ctx, st.AttemptID, candidate, 0, []model.AnswerEntry{mcq(0, 1)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				advanced++
			case errors.Is(err, ErrStaleSubject):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if advanced != 1 || stale != workers-1 {
		t.Fatalf("advanced=%d stale=%d, want 1 and %d", advanced, stale, workers-1)
	}

	a, _ := f.store.GetByID(ctx, st.AttemptID)
	if a.CurrentSubject != 1 {
		t.Fatalf("CurrentSubject = %d, want 1", a.CurrentSubject)
	}
	if err := a.CheckInvariants(); err != nil {
		t.Fatalf("invariants broken: %v", err)
	}
}

func TestConcurrentSubmitAndSweepFinalizeOnce(t *testing.T) {
	exam := twoSubjectExam()
	exam.Subjects = exam.Subjects[:1]
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	f.clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.svc.SubmitExam(ctx, st.AttemptID, candidate, nil, []model.AnswerEntry{mcq(0, 2)})
		}()
		go func() {
			defer wg.Done()
			f.svc.Expire(ctx, st.AttemptID)
		}()
	}
	wg.Wait()

	queued, _ := f.rdb.LRange(ctx, config.WorkerKey.FinalizedAttemptsQueue, 0, -1).Result()
	if len(queued) != 1 {
		t.Fatalf("finalized %d times, want once", len(queued))
	}
	var fin FinalizedAttempt
	if err := json.Unmarshal([]byte(queued[0]), &fin); err != nil {
		t.Fatalf("decode finalized payload: %v", err)
	}
	if fin.Status != model.AttemptStatusAutoSubmitted || fin.AttemptID != st.AttemptID {
		t.Fatalf("finalized payload = %+v", fin)
	}
}

func TestReportViolationQueuesEvent(t *testing.T) {
	exam := twoSubjectExam()
	f := newFixture(t, exam)
	ctx := context.Background()

	st, _ := f.svc.Start(ctx, exam.ID, candidate)
	if err := f.svc.ReportViolation(ctx, st.AttemptID, candidate, "focus_lost", `{"ms":1200}`); err != nil {
		t.Fatalf("ReportViolation() error = %v", err)
	}

	raw, err := f.rdb.LPop(ctx, config.WorkerKey.PersistViolationsQueue).Result()
	if err != nil {
		t.Fatalf("queue empty: %v", err)
	}
	var ev ViolationEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.AttemptID != st.AttemptID || ev.Kind != "focus_lost" || ev.CandidateID != candidate {
		t.Fatalf("event = %+v", ev)
	}
}

func TestReportViolationOnFinishedAttempt(t *testing.T) {
	exam := twoSubjectExam()
	ctx := context.Background()

	t.Run("submitted", func(t *testing.T) {
		f := newFixture(t, exam)
		st, _ := f.svc.Start(ctx, exam.ID, candidate)
		if _, err := f.svc.SubmitExam(ctx, st.AttemptID, candidate, nil, nil); err != nil {
			t.Fatalf("SubmitExam() error = %v", err)
		}
		if err := f.svc.ReportViolation(ctx, st.AttemptID, candidate, "focus_lost", ""); !errors.Is(err, ErrAttemptFinished) {
			t.Fatalf("ReportViolation() error = %v, want ErrAttemptFinished", err)
		}
		if n, _ := f.rdb.LLen(ctx, config.WorkerKey.PersistViolationsQueue).Result(); n != 0 {
			t.Fatalf("queued %d events for a finished attempt", n)
		}
	})

	t.Run("time ran out", func(t *testing.T) {
		f := newFixture(t, exam)
		st, _ := f.svc.Start(ctx, exam.ID, candidate)
		f.clock.Advance(10 * time.Minute)
		if err := f.svc.ReportViolation(ctx, st.AttemptID, candidate, "focus_lost", ""); !errors.Is(err, ErrAttemptFinished) {
			t.Fatalf("ReportViolation() error = %v, want ErrAttemptFinished", err)
		}
		if n, _ := f.rdb.LLen(ctx, config.WorkerKey.PersistViolationsQueue).Result(); n != 0 {
			t.Fatalf("queued %d events for a timed-out attempt", n)
		}
	})
}

func TestTimerCacheRejectsOlderVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cache := NewTimerCache(f.rdb, time.Hour)

	a := &model.Attempt{ID: uuid.New(), ExamID: uuid.New(), CandidateID: 7, Status: model.AttemptStatusInProgress,
		CurrentSubject: 1, EndsAt: epoch.Add(time.Minute), Version: 3}
	if ok, err := cache.Put(ctx, a); err != nil || !ok {
		t.Fatalf("Put(v3) = %v, %v", ok, err)
	}

	stale := *a
	stale.Version = 2
	stale.CurrentSubject = 0
	if ok, err := cache.Put(ctx, &stale); err != nil || ok {
		t.Fatalf("Put(v2) = %v, %v; want rejected", ok, err)
	}

	got, ok, err := cache.Get(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Version != 3 || got.CurrentSubject != 1 || !got.EndsAt.Equal(a.EndsAt) || got.CandidateID != 7 {
		t.Fatalf("cached = %+v", got)
	}
}
