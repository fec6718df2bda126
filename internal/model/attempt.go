package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusInProgress    AttemptStatus = "in_progress"
	AttemptStatusSubmitted     AttemptStatus = "submitted"
	AttemptStatusAutoSubmitted AttemptStatus = "auto_submitted"
	AttemptStatusExpired       AttemptStatus = "expired"
)

// IsTerminal reports whether the status can no longer change.
func (s AttemptStatus) IsTerminal() bool {
	return s != AttemptStatusInProgress
}

// Attempt is one candidate's timed session against one exam.
// Subjects and Answers are owned by the attempt and persisted with it.
type Attempt struct {
	ID             uuid.UUID      `json:"id"`
	ExamID         uuid.UUID      `json:"exam_id"`
	CandidateID    int            `json:"candidate_id"`
	Status         AttemptStatus  `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	EndsAt         time.Time      `json:"ends_at"`
	OverallEndsAt  *time.Time     `json:"overall_ends_at,omitempty"`
	ClosesAt       *time.Time     `json:"closes_at,omitempty"`
	CurrentSubject int            `json:"current_subject"`
	Subjects       []SubjectState `json:"subjects"`
	Answers        []Answer       `json:"answers"`
	ViolationCount int            `json:"violation_count"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SubjectState tracks the timing window of one subject inside an attempt.
type SubjectState struct {
	Index       int        `json:"index"`
	SubjectKey  string     `json:"subject_key"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	TimeUsedSec int        `json:"time_used_sec"`
	IsComplete  bool       `json:"is_complete"`
}

// Current returns the state of the current subject, or nil if it was never opened.
func (a *Attempt) Current() *SubjectState {
	for i := range a.Subjects {
		if a.Subjects[i].Index == a.CurrentSubject {
			return &a.Subjects[i]
		}
	}
	return nil
}

// AnswersFor returns the stored answers of one subject.
func (a *Attempt) AnswersFor(subjectIndex int) []Answer {
	var out []Answer
	for _, ans := range a.Answers {
		if ans.SubjectIndex == subjectIndex {
			out = append(out, ans)
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (a *Attempt) Clone() *Attempt {
	c := *a
	c.OverallEndsAt = cloneTime(a.OverallEndsAt)
	c.ClosesAt = cloneTime(a.ClosesAt)
	c.FinishedAt = cloneTime(a.FinishedAt)

	c.Subjects = make([]SubjectState, len(a.Subjects))
	for i, s := range a.Subjects {
		s.StartedAt = cloneTime(s.StartedAt)
		s.EndsAt = cloneTime(s.EndsAt)
		c.Subjects[i] = s
	}

	c.Answers = make([]Answer, len(a.Answers))
	for i, ans := range a.Answers {
		c.Answers[i] = ans.Clone()
	}
	return &c
}

// CheckInvariants verifies the subject-ordering rules of an attempt:
// while in progress exactly one opened subject is incomplete (the current one,
// with the latest start), every subject before it is complete and none after it
// has been opened. Terminal attempts must have every opened subject complete.
func (a *Attempt) CheckInvariants() error {
	for i, s := range a.Subjects {
		if s.Index != i {
			return fmt.Errorf("subject slot %d holds index %d", i, s.Index)
		}
	}

	if a.Status.IsTerminal() {
		for _, s := range a.Subjects {
			if !s.IsComplete {
				return fmt.Errorf("terminal attempt has incomplete subject %d", s.Index)
			}
		}
		return nil
	}

	cur := a.Current()
	if cur == nil || cur.StartedAt == nil {
		return errors.New("in-progress attempt has no open subject")
	}
	if cur.IsComplete {
		return fmt.Errorf("current subject %d is already complete", cur.Index)
	}

	for _, s := range a.Subjects {
		switch {
		case s.Index < a.CurrentSubject:
			if !s.IsComplete {
				return fmt.Errorf("subject %d before current is incomplete", s.Index)
			}
			if s.StartedAt != nil && s.StartedAt.After(*cur.StartedAt) {
				return fmt.Errorf("subject %d started after current subject", s.Index)
			}
		case s.Index > a.CurrentSubject:
			return fmt.Errorf("subject %d after current has been opened", s.Index)
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimerSnapshot is the cheap view of an attempt used by sync calls and the client reconciler.
type TimerSnapshot struct {
	AttemptID      uuid.UUID     `json:"attempt_id"`
	Status         AttemptStatus `json:"status"`
	CurrentSubject int           `json:"current_subject"`
	EndsAt         time.Time     `json:"ends_at"`
	TimeRemaining  float64       `json:"time_remaining"`
	ServerTime     time.Time     `json:"server_time"`
}

// AttemptState is the full status view returned to candidates.
type AttemptState struct {
	TimerSnapshot
	ExamID         uuid.UUID       `json:"exam_id"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Subjects       []SubjectState  `json:"subjects"`
	Answers        []Answer        `json:"answers"`
	ViolationCount int             `json:"violation_count"`
	Exam           *ExamDefinition `json:"exam,omitempty"`
}
