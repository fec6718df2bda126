// Package merge folds a candidate's answer batch for one subject into the
// answers already stored on an attempt.
package merge

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stemsi/exstem-attempt/internal/model"
)

// Problem describes why one batch entry was rejected.
type Problem struct {
	QuestionIndex int    `json:"question_index"`
	Reason        string `json:"reason"`
}

// ValidationError rejects a whole batch. No entry of a rejected batch is applied.
type ValidationError struct {
	SubjectIndex int
	Problems     []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("question %d: %s", p.QuestionIndex, p.Reason))
	}
	return fmt.Sprintf("invalid answer batch for subject %d: %s", e.SubjectIndex, strings.Join(parts, "; "))
}

// Fields flattens the problems into the field map used by API error bodies.
func (e *ValidationError) Fields() map[string]string {
	fields := make(map[string]string, len(e.Problems))
	for _, p := range e.Problems {
		key := fmt.Sprintf("answers[%d]", p.QuestionIndex)
		if _, ok := fields[key]; ok {
			continue
		}
		fields[key] = p.Reason
	}
	return fields
}

// Validate checks every entry of batch against the subject's question definitions.
func Validate(subjectIndex int, subject model.SubjectDefinition, batch []model.AnswerEntry) error {
	var problems []Problem
	seen := make(map[int]struct{}, len(batch))

	for _, e := range batch {
		if reason := checkEntry(subject, e); reason != "" {
			problems = append(problems, Problem{QuestionIndex: e.QuestionIndex, Reason: reason})
			continue
		}
		if _, dup := seen[e.QuestionIndex]; dup {
			problems = append(problems, Problem{QuestionIndex: e.QuestionIndex, Reason: "duplicate question index in batch"})
			continue
		}
		seen[e.QuestionIndex] = struct{}{}
	}

	if len(problems) > 0 {
		return &ValidationError{SubjectIndex: subjectIndex, Problems: problems}
	}
	return nil
}

func checkEntry(subject model.SubjectDefinition, e model.AnswerEntry) string {
	if e.QuestionIndex < 0 || e.QuestionIndex >= len(subject.Questions) {
		return "question index out of range"
	}
	q := subject.Questions[e.QuestionIndex]

	if e.Type != q.Type {
		return fmt.Sprintf("type %q does not match question type %q", e.Type, q.Type)
	}
	if e.Answer == nil {
		return ""
	}
	if e.Clear {
		return "clear cannot carry an answer"
	}
	if e.Answer.Kind != q.Type.AnswerKind() {
		return fmt.Sprintf("%s answer given for %s question", e.Answer.Kind, q.Type)
	}

	switch e.Answer.Kind {
	case model.AnswerKindOptions:
		opts := model.NormalizeOptions(e.Answer.Options)
		for _, o := range opts {
			if o < 0 || o >= len(q.Options) {
				return fmt.Sprintf("option %d out of range", o)
			}
		}
		if q.Type == model.QuestionTypeSingleChoice && len(opts) > 1 {
			return "single choice question accepts one option"
		}
	case model.AnswerKindArtifact:
		if strings.TrimSpace(e.Answer.ArtifactRef) == "" {
			return "empty artifact reference"
		}
	}
	return ""
}

// Merge validates batch and upserts it into answers keyed by (subject, question).
// It returns a new slice and never mutates answers. A nil entry answer keeps the
// stored value unless Clear is set. UpdatedAt moves only when a record changes,
// so replaying a batch yields an identical answer set. changed reports whether
// any record was created or modified.
func Merge(answers []model.Answer, subjectIndex int, subject model.SubjectDefinition, batch []model.AnswerEntry, now time.Time) (merged []model.Answer, changed bool, err error) {
	if err := Validate(subjectIndex, subject, batch); err != nil {
		return nil, false, err
	}

	merged = make([]model.Answer, len(answers), len(answers)+len(batch))
	for i, a := range answers {
		merged[i] = a.Clone()
	}

	for _, e := range batch {
		q := subject.Questions[e.QuestionIndex]
		pos := slices.IndexFunc(merged, func(a model.Answer) bool {
			return a.SubjectIndex == subjectIndex && a.QuestionIndex == e.QuestionIndex
		})

		if pos < 0 {
			rec, ok := newRecord(subjectIndex, q, e, now)
			if ok {
				merged = append(merged, rec)
				changed = true
			}
			continue
		}

		if apply(&merged[pos], e, now) {
			changed = true
		}
	}

	slices.SortStableFunc(merged, func(a, b model.Answer) int {
		if c := cmp.Compare(a.SubjectIndex, b.SubjectIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.QuestionIndex, b.QuestionIndex)
	})
	return merged, changed, nil
}

func newRecord(subjectIndex int, q model.QuestionDefinition, e model.AnswerEntry, now time.Time) (model.Answer, bool) {
	marked := e.MarkedForReview != nil && *e.MarkedForReview
	if e.Answer == nil && !marked {
		return model.Answer{}, false
	}
	return model.Answer{
		SubjectIndex:    subjectIndex,
		QuestionIndex:   e.QuestionIndex,
		QuestionID:      q.ID,
		QuestionType:    q.Type,
		Value:           normalize(e.Answer),
		MarkedForReview: marked,
		UpdatedAt:       now,
	}, true
}

func apply(rec *model.Answer, e model.AnswerEntry, now time.Time) bool {
	changed := false

	switch {
	case e.Clear:
		if rec.Value != nil {
			rec.Value = nil
			changed = true
		}
	case e.Answer != nil:
		v := normalize(e.Answer)
		if !v.Equal(rec.Value) {
			rec.Value = v
			changed = true
		}
	}

	if e.MarkedForReview != nil && *e.MarkedForReview != rec.MarkedForReview {
		rec.MarkedForReview = *e.MarkedForReview
		changed = true
	}

	if changed {
		rec.UpdatedAt = now
	}
	return changed
}

func normalize(v *model.AnswerValue) *model.AnswerValue {
	if v == nil {
		return nil
	}
	out := v.Clone()
	if out.Kind == model.AnswerKindOptions {
		out.Options = model.NormalizeOptions(out.Options)
	}
	return out
}
