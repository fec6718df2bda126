package model

import "github.com/google/uuid"

// QuestionType is the declared type of a question; it decides which answer variant is valid.
type QuestionType string

const (
	QuestionTypeSingleChoice   QuestionType = "single_choice"
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeShortAnswer    QuestionType = "short_answer"
	QuestionTypeLongAnswer     QuestionType = "long_answer"
	QuestionTypeImage          QuestionType = "image"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeSingleChoice, QuestionTypeMultipleChoice,
		QuestionTypeShortAnswer, QuestionTypeLongAnswer, QuestionTypeImage:
		return true
	}
	return false
}

// IsChoice reports whether answers are option indices.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeSingleChoice || t == QuestionTypeMultipleChoice
}

// AnswerKind returns the answer variant accepted for this type.
func (t QuestionType) AnswerKind() AnswerKind {
	switch t {
	case QuestionTypeSingleChoice, QuestionTypeMultipleChoice:
		return AnswerKindOptions
	case QuestionTypeShortAnswer, QuestionTypeLongAnswer:
		return AnswerKindText
	case QuestionTypeImage:
		return AnswerKindArtifact
	}
	return ""
}

// QuestionDefinition is a question as delivered to candidates (no answer key).
type QuestionDefinition struct {
	ID      uuid.UUID    `json:"id"`
	Type    QuestionType `json:"type"`
	Prompt  string       `json:"prompt"`
	Options []string     `json:"options,omitempty"`
}
