// internal/models/question.go
package models

// QuestionType is the scalar type of a question.
type QuestionType string

const (
	QuestionText     QuestionType = "text"
	QuestionNumber   QuestionType = "number"
	QuestionDate     QuestionType = "date"
	QuestionEmail    QuestionType = "email"
	QuestionAddress  QuestionType = "address"
	QuestionPhone    QuestionType = "phone"
	QuestionCurrency QuestionType = "currency"
	QuestionRadio    QuestionType = "radio"
	QuestionStatic   QuestionType = "static"
)

// QuestionRevision is the content of one question as it exists within one
// version. Revisions share the stable admin-chosen Name but may differ in
// text and options between versions. A Name is globally unique and never
// reused, even after deletion.
type QuestionRevision struct {
	Name      string       `json:"name"`
	VersionID string       `json:"versionId"`
	Type      QuestionType `json:"type"`
	Text      string       `json:"text"`
	HelpText  string       `json:"helpText,omitempty"`
	// Options applies to radio questions only.
	Options []string `json:"options,omitempty"`
	// Hidden questions still version and publish like everything else.
	Hidden bool `json:"hidden,omitempty"`
	// Tombstoned marks the question deleted in this version. A tombstoned
	// question still referenced by a program fails publish.
	Tombstoned bool `json:"tombstoned,omitempty"`
}

// Clone returns a deep copy bound to the given version.
func (q *QuestionRevision) Clone(versionID string) *QuestionRevision {
	cp := *q
	cp.VersionID = versionID
	cp.Options = append([]string(nil), q.Options...)
	return &cp
}
