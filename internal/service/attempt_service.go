package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/timer"
)

// Attempt errors.
var (
	ErrAttemptConflict       = errors.New("attempt already exists for this exam")
	ErrAttemptNotFound       = errors.New("attempt not found")
	ErrAttemptFinished       = errors.New("attempt is already finished")
	ErrStaleSubject          = errors.New("subject is not the current subject")
	ErrInvalidAnswerPayload  = errors.New("invalid answer payload")
	ErrExamNotFound          = errors.New("exam not found")
	ErrExamNotAvailable      = errors.New("exam is not open for attempts")
	ErrInvalidExamDefinition = errors.New("invalid exam definition")
)

// anyCandidate skips the ownership check for server-initiated calls.
const anyCandidate = -1

// AttemptStore persists attempts. Mutate must serialize callers per attempt.
type AttemptStore interface {
	Create(ctx context.Context, a *model.Attempt) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID int) (*model.Attempt, error)
	Mutate(ctx context.Context, id uuid.UUID, fn repository.MutateFunc) (*model.Attempt, error)
	ListOverdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]uuid.UUID, error)
}

// ExamProvider supplies validated exam definitions.
type ExamProvider interface {
	Get(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
}

// AttemptService is the attempt state machine: it opens subjects, merges
// answer batches, advances, submits and expires attempts.
type AttemptService struct {
	store  AttemptStore
	exams  ExamProvider
	timers *TimerCache
	events *EventBus
	clock  timer.Clock
	grace  time.Duration
	log    zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	store AttemptStore,
	exams ExamProvider,
	timers *TimerCache,
	events *EventBus,
	clock timer.Clock,
	grace time.Duration,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		store:  store,
		exams:  exams,
		timers: timers,
		events: events,
		clock:  clock,
		grace:  grace,
		log:    log.With().Str("component", "attempt_service").Logger(),
	}
}

// Start creates the candidate's only attempt for an exam and opens its first subject.
func (s *AttemptService) Start(ctx context.Context, examID uuid.UUID, candidateID int) (*model.AttemptState, error) {
	exam, err := s.exams.Get(ctx, examID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotAvailable
	}
	if exam.ClosesAt != nil && !now.Before(*exam.ClosesAt) {
		return nil, ErrExamNotAvailable
	}

	a := &model.Attempt{
		ID:          uuid.New(),
		ExamID:      examID,
		CandidateID: candidateID,
		Status:      model.AttemptStatusInProgress,
		StartedAt:   now,
		Answers:     []model.Answer{},
	}
	if d := exam.Duration(); d > 0 {
		overall := now.Add(d)
		a.OverallEndsAt = &overall
	}
	if exam.ClosesAt != nil {
		closes := *exam.ClosesAt
		a.ClosesAt = &closes
	}
	if err := openSubject(a, exam, 0, now); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrAttemptConflict
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Str("exam_id", examID.String()).
		Int("candidate_id", candidateID).
		Time("ends_at", a.EndsAt).
		Msg("Attempt started")

	s.cacheTimer(ctx, a)
	s.events.Monitor(ctx, a.ExamID, monitorEvent(EventAttemptStarted, a, now))

	return buildState(a, exam, now), nil
}

// Status returns the full attempt view, expiring it first if its time is up.
func (s *AttemptService) Status(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.AttemptState, error) {
	a, err := s.load(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}

	if isDue(a, s.clock.Now(), s.grace) {
		if a, err = s.mutate(ctx, attemptID, candidateID, nil); err != nil {
			return nil, err
		}
	}

	exam, err := s.exams.Get(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	return buildState(a, exam, s.clock.Now()), nil
}

// Sync returns the cheap timer snapshot. It is served from Redis when
// possible and never merges answers.
func (s *AttemptService) Sync(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.TimerSnapshot, error) {
	now := s.clock.Now()

	cached, ok, err := s.timers.Get(ctx, attemptID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Timer cache read failed, using database")
	}
	if ok && cached.CandidateID == candidateID &&
		!(cached.Status == model.AttemptStatusInProgress && timer.IsUp(cached.EndsAt, now, s.grace)) {
		return &model.TimerSnapshot{
			AttemptID:      attemptID,
			Status:         cached.Status,
			CurrentSubject: cached.CurrentSubject,
			EndsAt:         cached.EndsAt,
			TimeRemaining:  remainingFor(cached.Status, cached.EndsAt, now),
			ServerTime:     now,
		}, nil
	}

	a, err := s.load(ctx, attemptID, candidateID)
	if err != nil {
		return nil, err
	}
	if isDue(a, now, s.grace) {
		if a, err = s.mutate(ctx, attemptID, candidateID, nil); err != nil {
			return nil, err
		}
	} else {
		s.cacheTimer(ctx, a)
	}

	now = s.clock.Now()
	snap := snapshot(a, now)
	return &snap, nil
}

// SubmitSubjectAndAdvance merges the batch into the current subject, closes it
// and opens the next one or submits the attempt after the last subject.
// A subject index other than the current one fails with ErrStaleSubject.
func (s *AttemptService) SubmitSubjectAndAdvance(ctx context.Context, attemptID uuid.UUID, candidateID, subjectIndex int, batch []model.AnswerEntry) (*model.AttemptState, error) {
	a, err := s.mutate(ctx, attemptID, candidateID, func(a *model.Attempt, exam *model.ExamDefinition, now time.Time) (bool, error) {
		if subjectIndex != a.CurrentSubject {
			return false, ErrStaleSubject
		}

		switch {
		case a.Status == model.AttemptStatusInProgress:
			if _, err := mergeInto(a, exam, subjectIndex, batch, now); err != nil {
				return false, err
			}
			completeCurrent(a, now)
			if next := subjectIndex + 1; next < len(exam.Subjects) {
				return true, openSubject(a, exam, next, now)
			}
			finish(a, model.AttemptStatusSubmitted, now)
			return true, nil
		case acceptsLateAnswers(a):
			return mergeInto(a, exam, subjectIndex, batch, now)
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return s.state(ctx, a)
}

// SubmitExam finalizes the attempt. Subjects after the current one are closed
// unanswered. Submitting a terminal attempt returns its existing state.
func (s *AttemptService) SubmitExam(ctx context.Context, attemptID uuid.UUID, candidateID int, subjectIndex *int, batch []model.AnswerEntry) (*model.AttemptState, error) {
	a, err := s.mutate(ctx, attemptID, candidateID, func(a *model.Attempt, exam *model.ExamDefinition, now time.Time) (bool, error) {
		if len(batch) > 0 && subjectIndex != nil && *subjectIndex != a.CurrentSubject {
			if a.Status.IsTerminal() {
				return false, nil
			}
			return false, ErrStaleSubject
		}

		switch {
		case a.Status == model.AttemptStatusInProgress:
			if _, err := mergeInto(a, exam, a.CurrentSubject, batch, now); err != nil {
				return false, err
			}
			completeCurrent(a, now)
			skipRemaining(a, exam)
			finish(a, model.AttemptStatusSubmitted, now)
			return true, nil
		case acceptsLateAnswers(a):
			return mergeInto(a, exam, a.CurrentSubject, batch, now)
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return s.state(ctx, a)
}

// SaveAnswers merges an autosave batch into the current subject without advancing.
func (s *AttemptService) SaveAnswers(ctx context.Context, attemptID uuid.UUID, candidateID, subjectIndex int, batch []model.AnswerEntry) (*model.TimerSnapshot, error) {
	a, err := s.mutate(ctx, attemptID, candidateID, func(a *model.Attempt, exam *model.ExamDefinition, now time.Time) (bool, error) {
		if subjectIndex != a.CurrentSubject {
			return false, ErrStaleSubject
		}
		if a.Status == model.AttemptStatusInProgress || acceptsLateAnswers(a) {
			return mergeInto(a, exam, subjectIndex, batch, now)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	snap := snapshot(a, s.clock.Now())
	return &snap, nil
}

// Expire applies a time-based transition if the attempt's deadline has
// passed. It is a no-op for attempts still in time or already terminal.
func (s *AttemptService) Expire(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	return s.mutate(ctx, attemptID, anyCandidate, nil)
}

// ExpireOverdue expires up to limit overdue attempts and returns how many
// transitioned.
func (s *AttemptService) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListOverdue(ctx, s.clock.Now(), s.grace, limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		a, err := s.Expire(ctx, id)
		if err != nil {
			s.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Expire failed")
			continue
		}
		if a.Status.IsTerminal() {
			expired++
		}
	}
	return expired, nil
}

// ReportViolation queues a suspicious client event. Counting happens asynchronously.
// Finished attempts, including ones whose time ran out, take no more events.
func (s *AttemptService) ReportViolation(ctx context.Context, attemptID uuid.UUID, candidateID int, kind, payload string) error {
	a, err := s.load(ctx, attemptID, candidateID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if a.Status.IsTerminal() || isDue(a, now, s.grace) {
		return ErrAttemptFinished
	}
	if err := s.events.Violation(ctx, ViolationEvent{
		AttemptID:   a.ID,
		ExamID:      a.ExamID,
		CandidateID: candidateID,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   now.Unix(),
	}); err != nil {
		return fmt.Errorf("queue violation: %w", err)
	}

	ev := monitorEvent(EventViolationCounted, a, now)
	ev.Kind = kind
	s.events.Monitor(ctx, a.ExamID, ev)
	return nil
}

// GetByExamAndCandidate returns a candidate's attempt for an exam, if any.
func (s *AttemptService) GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID int) (*model.Attempt, error) {
	a, err := s.store.GetByExamAndCandidate(ctx, examID, candidateID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return a, nil
}

// Get returns the candidate's attempt without applying lazy expiry.
func (s *AttemptService) Get(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.Attempt, error) {
	return s.load(ctx, attemptID, candidateID)
}

// Inspect is Status for operators: it skips the ownership check.
func (s *AttemptService) Inspect(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error) {
	return s.Status(ctx, attemptID, anyCandidate)
}

// transition is the body of a locked mutation. It runs after lazy expiry.
type transition func(a *model.Attempt, exam *model.ExamDefinition, now time.Time) (bool, error)

// mutate runs fn on the locked attempt. A due attempt is expired first and
// stays expired even if fn then fails; fn's error is still returned. A lost
// version race is retried once.
func (s *AttemptService) mutate(ctx context.Context, attemptID uuid.UUID, candidateID int, fn transition) (*model.Attempt, error) {
	var (
		prev    model.Attempt
		opErr   error
		expired bool
	)

	run := func(a *model.Attempt) (bool, error) {
		if candidateID != anyCandidate && a.CandidateID != candidateID {
			return false, ErrAttemptNotFound
		}
		prev = model.Attempt{Status: a.Status, CurrentSubject: a.CurrentSubject}
		opErr, expired = nil, false

		exam, err := s.exams.Get(ctx, a.ExamID)
		if err != nil {
			return false, err
		}
		now := s.clock.Now()

		if isDue(a, now, s.grace) {
			expire(a, exam, now)
			expired = true
		}

		changed := expired
		if fn != nil {
			c, err := fn(a, exam, now)
			if err != nil {
				if !expired {
					return false, err
				}
				opErr = err
			}
			changed = changed || c
		}

		if changed {
			if err := a.CheckInvariants(); err != nil {
				return false, fmt.Errorf("attempt %s: %w", a.ID, err)
			}
		}
		return changed, nil
	}

	a, err := s.store.Mutate(ctx, attemptID, run)
	if errors.Is(err, repository.ErrVersionConflict) {
		a, err = s.store.Mutate(ctx, attemptID, run)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}

	s.afterWrite(ctx, prev, a, expired)
	return a, opErr
}

// afterWrite refreshes the timer cache and emits events for transitions.
func (s *AttemptService) afterWrite(ctx context.Context, prev model.Attempt, a *model.Attempt, expired bool) {
	s.cacheTimer(ctx, a)

	now := s.clock.Now()
	switch {
	case !prev.Status.IsTerminal() && a.Status.IsTerminal():
		s.log.Info().
			Str("attempt_id", a.ID.String()).
			Str("status", string(a.Status)).
			Bool("timed_out", expired).
			Msg("Attempt finished")
		s.events.Finalized(ctx, a)
		s.events.Monitor(ctx, a.ExamID, monitorEvent(EventAttemptFinished, a, now))
	case a.CurrentSubject != prev.CurrentSubject:
		s.log.Debug().
			Str("attempt_id", a.ID.String()).
			Int("subject", a.CurrentSubject).
			Msg("Subject advanced")
		s.events.Monitor(ctx, a.ExamID, monitorEvent(EventSubjectAdvanced, a, now))
	}
}

func (s *AttemptService) cacheTimer(ctx context.Context, a *model.Attempt) {
	if _, err := s.timers.Put(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Timer cache write failed")
	}
}

func (s *AttemptService) load(ctx context.Context, attemptID uuid.UUID, candidateID int) (*model.Attempt, error) {
	a, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if candidateID != anyCandidate && a.CandidateID != candidateID {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

func (s *AttemptService) state(ctx context.Context, a *model.Attempt) (*model.AttemptState, error) {
	exam, err := s.exams.Get(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	return buildState(a, exam, s.clock.Now()), nil
}

func remainingFor(status model.AttemptStatus, endsAt, now time.Time) float64 {
	if status.IsTerminal() {
		return 0
	}
	return timer.RemainingSeconds(endsAt, now)
}

func snapshot(a *model.Attempt, now time.Time) model.TimerSnapshot {
	return model.TimerSnapshot{
		AttemptID:      a.ID,
		Status:         a.Status,
		CurrentSubject: a.CurrentSubject,
		EndsAt:         a.EndsAt,
		TimeRemaining:  remainingFor(a.Status, a.EndsAt, now),
		ServerTime:     now,
	}
}

func buildState(a *model.Attempt, exam *model.ExamDefinition, now time.Time) *model.AttemptState {
	return &model.AttemptState{
		TimerSnapshot:  snapshot(a, now),
		ExamID:         a.ExamID,
		StartedAt:      a.StartedAt,
		FinishedAt:     a.FinishedAt,
		Subjects:       a.Subjects,
		Answers:        a.Answers,
		ViolationCount: a.ViolationCount,
		Exam:           exam,
	}
}

func monitorEvent(typ string, a *model.Attempt, now time.Time) MonitorEvent {
	return MonitorEvent{
		Type:           typ,
		AttemptID:      a.ID,
		CandidateID:    a.CandidateID,
		Status:         a.Status,
		CurrentSubject: a.CurrentSubject,
		At:             now,
	}
}
