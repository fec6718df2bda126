package service

import (
	"fmt"
	"time"

	"github.com/stemsi/exstem-attempt/internal/merge"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/timer"
)

// The functions below mutate an attempt that the caller holds exclusively
// (a freshly built attempt or one locked by AttemptStore.Mutate).

// openSubject creates the state of subject idx and makes it current.
func openSubject(a *model.Attempt, exam *model.ExamDefinition, idx int, now time.Time) error {
	sd, ok := exam.Subject(idx)
	if !ok {
		return fmt.Errorf("%w: subject %d does not exist", ErrInvalidExamDefinition, idx)
	}
	end, ok := timer.WindowEnd(now, sd.Duration(), a.OverallEndsAt, a.ClosesAt)
	if !ok {
		return fmt.Errorf("%w: subject %d has no time bound", ErrInvalidExamDefinition, idx)
	}

	started := now
	a.Subjects = append(a.Subjects, model.SubjectState{
		Index:      idx,
		SubjectKey: sd.Key,
		StartedAt:  &started,
		EndsAt:     &end,
	})
	a.CurrentSubject = idx
	a.EndsAt = end
	return nil
}

// completeCurrent closes the current subject, charging time up to its deadline at most.
func completeCurrent(a *model.Attempt, now time.Time) {
	cur := a.Current()
	if cur == nil || cur.IsComplete {
		return
	}
	if cur.StartedAt != nil && cur.EndsAt != nil {
		cur.TimeUsedSec = max(cur.TimeUsedSec, timer.TimeUsed(*cur.StartedAt, *cur.EndsAt, now))
	}
	cur.IsComplete = true
}

// skipRemaining records every subject after the current one as complete and never started.
func skipRemaining(a *model.Attempt, exam *model.ExamDefinition) {
	for i := len(a.Subjects); i < len(exam.Subjects); i++ {
		a.Subjects = append(a.Subjects, model.SubjectState{
			Index:      i,
			SubjectKey: exam.Subjects[i].Key,
			IsComplete: true,
		})
	}
}

func finish(a *model.Attempt, status model.AttemptStatus, now time.Time) {
	finished := now
	a.Status = status
	a.FinishedAt = &finished
}

// isDue reports whether an in-progress attempt has outlived its deadline.
func isDue(a *model.Attempt, now time.Time, grace time.Duration) bool {
	return a.Status == model.AttemptStatusInProgress && timer.IsUp(a.EndsAt, now, grace)
}

// expireStatus picks the terminal status of a timed-out attempt from the
// deadline that governed it: expired when that deadline was the exam closing
// time, auto_submitted when a subject or overall budget ran out first.
func expireStatus(a *model.Attempt) model.AttemptStatus {
	if a.ClosesAt != nil && !a.EndsAt.Before(*a.ClosesAt) {
		return model.AttemptStatusExpired
	}
	return model.AttemptStatusAutoSubmitted
}

// expire finalizes a timed-out attempt.
func expire(a *model.Attempt, exam *model.ExamDefinition, now time.Time) {
	status := expireStatus(a)
	completeCurrent(a, now)
	skipRemaining(a, exam)
	finish(a, status, now)
}

// mergeInto merges batch into the answers of subject idx.
func mergeInto(a *model.Attempt, exam *model.ExamDefinition, idx int, batch []model.AnswerEntry, now time.Time) (bool, error) {
	if len(batch) == 0 {
		return false, nil
	}
	sd, ok := exam.Subject(idx)
	if !ok {
		return false, fmt.Errorf("%w: subject %d does not exist", ErrStaleSubject, idx)
	}
	merged, changed, err := merge.Merge(a.Answers, idx, sd, batch, now)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidAnswerPayload, err)
	}
	if changed {
		a.Answers = merged
	}
	return changed, nil
}

// acceptsLateAnswers reports whether a terminal attempt still merges answers.
// Answers arriving after any time-based finalization are kept for grading.
func acceptsLateAnswers(a *model.Attempt) bool {
	return a.Status == model.AttemptStatusAutoSubmitted || a.Status == model.AttemptStatusExpired
}
