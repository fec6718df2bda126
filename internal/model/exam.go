package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the publication states of an exam definition.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusClosed    ExamStatus = "CLOSED"
)

// ExamDefinition is the read-only exam snapshot the attempt engine runs against.
// Subjects are ordered; a candidate takes them one after the other.
type ExamDefinition struct {
	ID              uuid.UUID           `json:"id"`
	Title           string              `json:"title"`
	Status          ExamStatus          `json:"status"`
	DurationSeconds int                 `json:"duration_seconds"`
	ClosesAt        *time.Time          `json:"closes_at,omitempty"`
	Subjects        []SubjectDefinition `json:"subjects"`
}

// SubjectDefinition is one timed section of an exam.
// A zero DurationSeconds means the subject is bounded only by the overall duration.
type SubjectDefinition struct {
	Key             string               `json:"key"`
	Title           string               `json:"title"`
	DurationSeconds int                  `json:"duration_seconds"`
	Questions       []QuestionDefinition `json:"questions"`
}

// Duration returns the subject-local time budget.
func (s SubjectDefinition) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Duration returns the overall attempt budget, zero when not set.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

// Subject returns the subject at index i.
func (e *ExamDefinition) Subject(i int) (SubjectDefinition, bool) {
	if i < 0 || i >= len(e.Subjects) {
		return SubjectDefinition{}, false
	}
	return e.Subjects[i], true
}

// Validate checks that every subject has a time bound and well-formed questions.
func (e *ExamDefinition) Validate() error {
	if len(e.Subjects) == 0 {
		return errors.New("exam has no subjects")
	}
	if e.DurationSeconds < 0 {
		return errors.New("exam duration is negative")
	}
	for i, s := range e.Subjects {
		if s.DurationSeconds < 0 {
			return fmt.Errorf("subject %d: negative duration", i)
		}
		if s.DurationSeconds == 0 && e.DurationSeconds == 0 && e.ClosesAt == nil {
			return fmt.Errorf("subject %d: no time bound", i)
		}
		for j, q := range s.Questions {
			if !q.Type.Valid() {
				return fmt.Errorf("subject %d question %d: unknown type %q", i, j, q.Type)
			}
			if q.Type.IsChoice() && len(q.Options) == 0 {
				return fmt.Errorf("subject %d question %d: choice question without options", i, j)
			}
		}
	}
	return nil
}
