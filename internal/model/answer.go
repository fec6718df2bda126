package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// AnswerKind tags the variant held by an AnswerValue.
type AnswerKind string

const (
	AnswerKindOptions  AnswerKind = "options"
	AnswerKindText     AnswerKind = "text"
	AnswerKindArtifact AnswerKind = "artifact"
)

// AnswerValue is a tagged variant: a set of option indices, free text, or an
// uploaded artifact reference. Exactly one payload matches Kind.
type AnswerValue struct {
	Kind        AnswerKind
	Options     []int
	Text        string
	ArtifactRef string
}

// OptionsAnswer builds an option-set answer. Ordering and duplicates are not significant.
func OptionsAnswer(options ...int) *AnswerValue {
	return &AnswerValue{Kind: AnswerKindOptions, Options: options}
}

// TextAnswer builds a free-text answer.
func TextAnswer(text string) *AnswerValue {
	return &AnswerValue{Kind: AnswerKindText, Text: text}
}

// ArtifactAnswer builds an answer referencing a stored upload.
func ArtifactAnswer(ref string) *AnswerValue {
	return &AnswerValue{Kind: AnswerKindArtifact, ArtifactRef: ref}
}

// Equal compares two values; option sets are compared after normalization.
func (v *AnswerValue) Equal(o *AnswerValue) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case AnswerKindOptions:
		return slices.Equal(NormalizeOptions(v.Options), NormalizeOptions(o.Options))
	case AnswerKindText:
		return v.Text == o.Text
	case AnswerKindArtifact:
		return v.ArtifactRef == o.ArtifactRef
	}
	return false
}

// Clone returns a deep copy of the value.
func (v *AnswerValue) Clone() *AnswerValue {
	if v == nil {
		return nil
	}
	c := *v
	c.Options = slices.Clone(v.Options)
	return &c
}

// NormalizeOptions returns the sorted set of distinct option indices.
func NormalizeOptions(options []int) []int {
	out := slices.Clone(options)
	slices.Sort(out)
	return slices.Compact(out)
}

// answerValueJSON is the wire form; exactly one field is populated.
type answerValueJSON struct {
	SelectedOptions *[]int  `json:"selected_options,omitempty"`
	Text            *string `json:"text,omitempty"`
	ImagePath       *string `json:"image_path,omitempty"`
}

// ErrInvalidAnswer marks an answer value that cannot be decoded.
var ErrInvalidAnswer = errors.New("invalid answer")

var errAmbiguousAnswer = fmt.Errorf("%w: must carry exactly one of selected_options, text, image_path", ErrInvalidAnswer)

// MarshalJSON encodes the variant by its field name.
func (v AnswerValue) MarshalJSON() ([]byte, error) {
	var w answerValueJSON
	switch v.Kind {
	case AnswerKindOptions:
		opts := v.Options
		if opts == nil {
			opts = []int{}
		}
		w.SelectedOptions = &opts
	case AnswerKindText:
		w.Text = &v.Text
	case AnswerKindArtifact:
		w.ImagePath = &v.ArtifactRef
	default:
		return nil, fmt.Errorf("unknown answer kind %q", v.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the variant, rejecting payloads with zero or several fields set.
func (v *AnswerValue) UnmarshalJSON(data []byte) error {
	var w answerValueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}

	set := 0
	if w.SelectedOptions != nil {
		set++
		v.Kind = AnswerKindOptions
		v.Options = *w.SelectedOptions
	}
	if w.Text != nil {
		set++
		v.Kind = AnswerKindText
		v.Text = *w.Text
	}
	if w.ImagePath != nil {
		set++
		v.Kind = AnswerKindArtifact
		v.ArtifactRef = *w.ImagePath
	}
	if set != 1 {
		return errAmbiguousAnswer
	}
	return nil
}

// Answer is the stored response to one question of an attempt.
type Answer struct {
	SubjectIndex    int          `json:"subject_index"`
	QuestionIndex   int          `json:"question_index"`
	QuestionID      uuid.UUID    `json:"question_id"`
	QuestionType    QuestionType `json:"question_type"`
	Value           *AnswerValue `json:"value"`
	MarkedForReview bool         `json:"marked_for_review"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the answer.
func (a Answer) Clone() Answer {
	a.Value = a.Value.Clone()
	return a
}

// AnswerEntry is one element of a client-submitted answer batch.
// A nil Answer means "no answer yet" unless Clear is set.
type AnswerEntry struct {
	QuestionIndex   int          `json:"question_index" binding:"min=0"`
	Type            QuestionType `json:"type" binding:"required,question_type"`
	Answer          *AnswerValue `json:"answer"`
	Clear           bool         `json:"clear"`
	MarkedForReview *bool        `json:"marked_for_review,omitempty"`
}

// AnswerBatchRequest is the payload of save/submit-subject calls.
type AnswerBatchRequest struct {
	Answers []AnswerEntry `json:"answers" binding:"omitempty,max=500,dive"`
}

// SubmitExamRequest is the optional payload of a final submission.
type SubmitExamRequest struct {
	SubjectIndex *int          `json:"subject_index" binding:"omitempty,min=0"`
	Answers      []AnswerEntry `json:"answers" binding:"omitempty,max=500,dive"`
}

// ViolationRequest reports a suspicious client event.
type ViolationRequest struct {
	Kind    string `json:"kind" binding:"required,min=2,max=50"`
	Payload string `json:"payload" binding:"omitempty,max=2000"`
}
