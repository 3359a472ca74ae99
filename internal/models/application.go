// internal/models/application.go
package models

import "time"

// Address is the answer payload of an address question.
type Address struct {
	Street string `json:"street"`
	Line2  string `json:"line2,omitempty"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// AnswerValue is one typed applicant answer. Exactly the field matching
// Type is populated.
type AnswerValue struct {
	Type QuestionType `json:"type"`
	// Text carries text, email, phone and radio selection answers.
	Text          string     `json:"text,omitempty"`
	Number        *int64     `json:"number,omitempty"`
	CurrencyCents *int64     `json:"currencyCents,omitempty"`
	Date          *time.Time `json:"date,omitempty"`
	Address       *Address   `json:"address,omitempty"`
}

// IsZero reports whether the value carries no answer at all.
func (v AnswerValue) IsZero() bool {
	return v.Text == "" && v.Number == nil && v.CurrencyCents == nil &&
		v.Date == nil && v.Address == nil
}

// Equal compares two answers by value.
func (v AnswerValue) Equal(o AnswerValue) bool {
	if v.Type != o.Type || v.Text != o.Text {
		return false
	}
	if !int64PtrEqual(v.Number, o.Number) || !int64PtrEqual(v.CurrencyCents, o.CurrencyCents) {
		return false
	}
	switch {
	case v.Date == nil != (o.Date == nil):
		return false
	case v.Date != nil && !v.Date.Equal(*o.Date):
		return false
	}
	switch {
	case v.Address == nil != (o.Address == nil):
		return false
	case v.Address != nil && *v.Address != *o.Address:
		return false
	}
	return true
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AnswersEqual compares two answer maps by value.
func AnswersEqual(a, b map[string]AnswerValue) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// BlockState is the per-block progress record of one in-progress
// application. Seen and LastAttemptHadErrors are tracked separately so the
// controller can tell an untouched block from one the applicant attempted
// and failed.
type BlockState struct {
	Seen                 bool `json:"seen"`
	LastAttemptHadErrors bool `json:"lastAttemptHadErrors,omitempty"`
}

// AnswerSetKey identifies one in-progress application.
type AnswerSetKey struct {
	ApplicantID string `json:"applicantId"`
	ProgramSlug string `json:"programSlug"`
	VersionID   string `json:"versionId"`
}

// ApplicationAnswerSet is the mutable per-applicant record of answers for
// one program version. Token is the optimistic concurrency guard: every
// successful save increments it, and a save presenting a stale token is
// rejected rather than merged.
type ApplicationAnswerSet struct {
	ApplicantID string                 `json:"applicantId"`
	ProgramSlug string                 `json:"programSlug"`
	VersionID   string                 `json:"versionId"`
	Answers     map[string]AnswerValue `json:"answers"`
	Blocks      map[string]BlockState  `json:"blocks"`
	Token       int64                  `json:"token"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Key returns the identity of the answer set.
func (s *ApplicationAnswerSet) Key() AnswerSetKey {
	return AnswerSetKey{ApplicantID: s.ApplicantID, ProgramSlug: s.ProgramSlug, VersionID: s.VersionID}
}

// Clone returns a deep copy.
func (s *ApplicationAnswerSet) Clone() *ApplicationAnswerSet {
	cp := *s
	cp.Answers = make(map[string]AnswerValue, len(s.Answers))
	for k, v := range s.Answers {
		cp.Answers[k] = v
	}
	cp.Blocks = make(map[string]BlockState, len(s.Blocks))
	for k, v := range s.Blocks {
		cp.Blocks[k] = v
	}
	return &cp
}

// Application is an archived, immutable submission. The answer set it came
// from is retained, not deleted, so resubmission attempts can be compared
// against it.
type Application struct {
	ID          string                 `json:"id"`
	ApplicantID string                 `json:"applicantId"`
	ProgramSlug string                 `json:"programSlug"`
	VersionID   string                 `json:"versionId"`
	Answers     map[string]AnswerValue `json:"answers"`
	SubmittedAt time.Time              `json:"submittedAt"`
}
