// Package navigation drives an applicant through a program: parsing and
// validating block form submissions, computing the visible block sequence,
// and the answer/review/submit state machine on top of it.
package navigation

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/civiform/formflow/internal/models"
	"github.com/civiform/formflow/internal/questiontypes"
)

// FieldErrors maps question name to a validation message shown next to
// that question.
type FieldErrors map[string]string

var (
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{6,19}$`)
	zipPattern   = regexp.MustCompile(`^[0-9]{5}(-[0-9]{4})?$`)
	// currencyPattern accepts whole dollars or dollars.cents.
	currencyPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,2})?$`)
)

// ParseBlockForm turns one block's raw form submission into typed answer
// updates. raw maps question name to that question's submitted document;
// a present-but-empty document is an explicit deletion and yields a zero
// AnswerValue, while an absent question is left untouched. Returns the
// updates and any per-question validation errors; when errors are present
// the updates must not be saved.
func ParseBlockForm(block *models.BlockDefinition, questions map[string]*models.QuestionRevision, raw map[string]json.RawMessage) (map[string]models.AnswerValue, FieldErrors) {
	updates := make(map[string]models.AnswerValue)
	errs := make(FieldErrors)

	for _, ref := range block.Questions {
		q, ok := questions[ref.QuestionName]
		if !ok || q.Type == models.QuestionStatic {
			continue
		}
		doc, present := raw[ref.QuestionName]
		if !present {
			continue
		}
		if err := questiontypes.ValidateRaw(q.Type, doc); err != nil {
			errs[ref.QuestionName] = "answer has an unexpected shape"
			continue
		}
		value, msg := parseAnswer(q, doc)
		if msg != "" {
			errs[ref.QuestionName] = msg
			continue
		}
		updates[ref.QuestionName] = value
	}
	return updates, errs
}

// parseAnswer converts one schema-valid document into a typed AnswerValue.
// An empty document parses to the zero value, meaning deletion.
func parseAnswer(q *models.QuestionRevision, raw []byte) (models.AnswerValue, string) {
	switch q.Type {
	case models.QuestionText:
		var doc struct {
			Text string `json:"text"`
		}
		json.Unmarshal(raw, &doc)
		if doc.Text == "" {
			return models.AnswerValue{}, ""
		}
		return models.AnswerValue{Type: q.Type, Text: doc.Text}, ""

	case models.QuestionEmail:
		var doc struct {
			Email string `json:"email"`
		}
		json.Unmarshal(raw, &doc)
		if doc.Email == "" {
			return models.AnswerValue{}, ""
		}
		if err := validation.Validate(doc.Email, is.Email); err != nil {
			return models.AnswerValue{}, "enter a valid email address"
		}
		return models.AnswerValue{Type: q.Type, Text: doc.Email}, ""

	case models.QuestionPhone:
		var doc struct {
			Phone string `json:"phone"`
		}
		json.Unmarshal(raw, &doc)
		if doc.Phone == "" {
			return models.AnswerValue{}, ""
		}
		if err := validation.Validate(doc.Phone, validation.Match(phonePattern)); err != nil {
			return models.AnswerValue{}, "enter a valid phone number"
		}
		return models.AnswerValue{Type: q.Type, Text: doc.Phone}, ""

	case models.QuestionNumber:
		var doc struct {
			Number string `json:"number"`
		}
		json.Unmarshal(raw, &doc)
		if doc.Number == "" {
			return models.AnswerValue{}, ""
		}
		n, err := strconv.ParseInt(strings.TrimSpace(doc.Number), 10, 64)
		if err != nil || n < 0 {
			return models.AnswerValue{}, "enter a whole non-negative number"
		}
		return models.AnswerValue{Type: q.Type, Number: &n}, ""

	case models.QuestionCurrency:
		var doc struct {
			Currency string `json:"currency"`
		}
		json.Unmarshal(raw, &doc)
		if doc.Currency == "" {
			return models.AnswerValue{}, ""
		}
		cents, ok := parseCurrencyCents(doc.Currency)
		if !ok {
			return models.AnswerValue{}, "enter a dollar amount like 12.34"
		}
		return models.AnswerValue{Type: q.Type, CurrencyCents: &cents}, ""

	case models.QuestionDate:
		var doc struct {
			Date string `json:"date"`
		}
		json.Unmarshal(raw, &doc)
		if doc.Date == "" {
			return models.AnswerValue{}, ""
		}
		t, err := time.Parse("2006-01-02", doc.Date)
		if err != nil {
			return models.AnswerValue{}, "enter a date as YYYY-MM-DD"
		}
		return models.AnswerValue{Type: q.Type, Date: &t}, ""

	case models.QuestionRadio:
		var doc struct {
			Selection string `json:"selection"`
		}
		json.Unmarshal(raw, &doc)
		if doc.Selection == "" {
			return models.AnswerValue{}, ""
		}
		if err := validation.Validate(doc.Selection, validation.In(toInterfaces(q.Options)...)); err != nil {
			return models.AnswerValue{}, "choose one of the listed options"
		}
		return models.AnswerValue{Type: q.Type, Text: doc.Selection}, ""

	case models.QuestionAddress:
		var doc models.Address
		json.Unmarshal(raw, &doc)
		if (doc == models.Address{}) {
			return models.AnswerValue{}, ""
		}
		err := validation.ValidateStruct(&doc,
			validation.Field(&doc.Street, validation.Required),
			validation.Field(&doc.City, validation.Required),
			validation.Field(&doc.State, validation.Required, validation.Length(2, 2)),
			validation.Field(&doc.Zip, validation.Required, validation.Match(zipPattern)),
		)
		if err != nil {
			return models.AnswerValue{}, "enter a complete address"
		}
		return models.AnswerValue{Type: q.Type, Address: &doc}, ""
	}
	return models.AnswerValue{}, "unsupported question type"
}

// parseCurrencyCents converts a dollars string to cents without going
// through floating point.
func parseCurrencyCents(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if !currencyPattern.MatchString(s) {
		return 0, false
	}
	dollars, fraction, _ := strings.Cut(s, ".")
	whole, err := strconv.ParseInt(dollars, 10, 64)
	if err != nil {
		return 0, false
	}
	for len(fraction) < 2 {
		fraction += "0"
	}
	cents, err := strconv.ParseInt(fraction, 10, 64)
	if err != nil {
		return 0, false
	}
	return whole*100 + cents, true
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
