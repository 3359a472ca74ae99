// Package questiontypes is the registry of question types: the scalars each
// type exposes to predicates, the raw submission shape each type accepts,
// and the operator set legal for each scalar. Predicate and answer legality
// is decided here, at authoring and save time, so evaluation never has to.
package questiontypes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/models"
)

// TypeSpec describes one question type.
type TypeSpec struct {
	Type    models.QuestionType
	Scalars []models.Scalar
	// RawSchema is the JSON schema a raw form submission document for this
	// type must satisfy before typed parsing.
	RawSchema string
}

var specs = map[models.QuestionType]TypeSpec{
	models.QuestionText: {
		Type:      models.QuestionText,
		Scalars:   []models.Scalar{models.ScalarText},
		RawSchema: `{"type":"object","properties":{"text":{"type":"string"}},"additionalProperties":false}`,
	},
	models.QuestionNumber: {
		Type:      models.QuestionNumber,
		Scalars:   []models.Scalar{models.ScalarNumber},
		RawSchema: `{"type":"object","properties":{"number":{"type":"string"}},"additionalProperties":false}`,
	},
	models.QuestionDate: {
		Type:      models.QuestionDate,
		Scalars:   []models.Scalar{models.ScalarDate},
		RawSchema: `{"type":"object","properties":{"date":{"type":"string"}},"additionalProperties":false}`,
	},
	models.QuestionEmail: {
		Type:      models.QuestionEmail,
		Scalars:   []models.Scalar{models.ScalarEmail},
		RawSchema: `{"type":"object","properties":{"email":{"type":"string"}},"additionalProperties":false}`,
	},
	models.QuestionPhone: {
		Type:      models.QuestionPhone,
		Scalars:   []models.Scalar{models.ScalarPhoneNumber},
		RawSchema: `{"type":"object","properties":{"phone":{"type":"string"}},"additionalProperties":false}`,
	},
	models.QuestionCurrency: {
		Type:      models.QuestionCurrency,
		Scalars:   []models.Scalar{models.ScalarCurrencyCents},
		RawSchema: `{"type":"object","properties":{"currency":{"type":"string"}},"additionalProperties":false}`,
	},
	models.QuestionRadio: {
		Type:      models.QuestionRadio,
		Scalars:   []models.Scalar{models.ScalarSelection},
		RawSchema: `{"type":"object","properties":{"selection":{"type":"string"}},"additionalProperties":false}`,
	},
	models.QuestionAddress: {
		Type:    models.QuestionAddress,
		Scalars: []models.Scalar{models.ScalarServiceArea},
		RawSchema: `{"type":"object","properties":{
			"street":{"type":"string"},"line2":{"type":"string"},
			"city":{"type":"string"},"state":{"type":"string"},
			"zip":{"type":"string"}},"additionalProperties":false}`,
	},
	// Static questions display content only; they expose nothing to
	// predicates and accept no submission.
	models.QuestionStatic: {
		Type:      models.QuestionStatic,
		Scalars:   nil,
		RawSchema: `{"type":"object","additionalProperties":false}`,
	},
}

var compiledSchemas = map[models.QuestionType]*gojsonschema.Schema{}

func init() {
	for qt, spec := range specs {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(spec.RawSchema))
		if err != nil {
			panic(fmt.Sprintf("questiontypes: bad schema for %s: %v", qt, err))
		}
		compiledSchemas[qt] = schema
	}
}

// ForType returns the definition for a question type.
func ForType(qt models.QuestionType) (TypeSpec, bool) {
	spec, ok := specs[qt]
	return spec, ok
}

// ScalarsFor returns the scalars a question type exposes to predicates.
func ScalarsFor(qt models.QuestionType) []models.Scalar {
	return specs[qt].Scalars
}

// ExposesScalar reports whether the type exposes the given scalar.
func ExposesScalar(qt models.QuestionType, scalar models.Scalar) bool {
	for _, s := range specs[qt].Scalars {
		if s == scalar {
			return true
		}
	}
	return false
}

// LegalOperators returns the operators valid for a scalar.
func LegalOperators(scalar models.Scalar) []models.Operator {
	switch scalar {
	case models.ScalarNumber, models.ScalarCurrencyCents, models.ScalarDate:
		return []models.Operator{
			models.OpEqualTo, models.OpNotEqualTo,
			models.OpGreaterThan, models.OpGreaterThanOrEqualTo,
			models.OpLessThan, models.OpLessThanOrEqualTo,
			models.OpOneOf,
		}
	case models.ScalarText, models.ScalarSelection, models.ScalarEmail, models.ScalarPhoneNumber:
		return []models.Operator{models.OpEqualTo, models.OpNotEqualTo, models.OpOneOf}
	case models.ScalarServiceArea:
		return []models.Operator{models.OpInServiceArea}
	default:
		return nil
	}
}

func operatorLegal(scalar models.Scalar, op models.Operator) bool {
	for _, legal := range LegalOperators(scalar) {
		if legal == op {
			return true
		}
	}
	return false
}

// ValidateRaw checks a raw submission document against the type's schema.
func ValidateRaw(qt models.QuestionType, raw []byte) error {
	schema, ok := compiledSchemas[qt]
	if !ok {
		return apperrors.NewInvalidAnswerError("", fmt.Sprintf("unknown question type %q", qt))
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return apperrors.NewInvalidAnswerError("", err.Error())
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apperrors.NewInvalidAnswerError("", strings.Join(msgs, "; "))
	}
	return nil
}

// ParseValue parses one predicate value string into the comparable form of
// its scalar: int64 for number/currency, time.Time for date, string
// otherwise. Service-area values are plain area names.
func ParseValue(scalar models.Scalar, value string) (interface{}, error) {
	switch scalar {
	case models.ScalarNumber, models.ScalarCurrencyCents:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", value)
		}
		return n, nil
	case models.ScalarDate:
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil, fmt.Errorf("%q is not a date (want YYYY-MM-DD)", value)
		}
		return t, nil
	case models.ScalarText, models.ScalarSelection, models.ScalarEmail,
		models.ScalarPhoneNumber, models.ScalarServiceArea:
		if value == "" {
			return nil, fmt.Errorf("empty value")
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown scalar %q", scalar)
	}
}

// ValidatePredicate checks a predicate tree at authoring time: every leaf
// must reference a question in the given set, use a scalar that question
// exposes, pair it with a legal operator, and carry parseable values.
// Composites must use a known logical op. Evaluation relies on this having
// passed and never re-checks.
func ValidatePredicate(node models.PredicateNode, questions map[string]*models.QuestionRevision) error {
	switch {
	case node.Leaf != nil && node.Composite != nil:
		return apperrors.NewInvalidPredicateError("node has both leaf and composite set")
	case node.Leaf != nil:
		return validateLeaf(*node.Leaf, questions)
	case node.Composite != nil:
		if node.Composite.Op != models.OpAnd && node.Composite.Op != models.OpOr {
			return apperrors.NewInvalidPredicateError(fmt.Sprintf("unknown logical op %q", node.Composite.Op))
		}
		for _, child := range node.Composite.Children {
			if err := ValidatePredicate(child, questions); err != nil {
				return err
			}
		}
		return nil
	default:
		return apperrors.NewInvalidPredicateError("empty node")
	}
}

func validateLeaf(leaf models.LeafNode, questions map[string]*models.QuestionRevision) error {
	q, ok := questions[leaf.QuestionName]
	if !ok {
		return apperrors.NewInvalidPredicateError(fmt.Sprintf("question %q not in version", leaf.QuestionName))
	}
	if !ExposesScalar(q.Type, leaf.Scalar) {
		return apperrors.NewInvalidPredicateError(
			fmt.Sprintf("question %q (%s) does not expose scalar %q", leaf.QuestionName, q.Type, leaf.Scalar))
	}
	if !operatorLegal(leaf.Scalar, leaf.Operator) {
		return apperrors.NewInvalidPredicateError(
			fmt.Sprintf("operator %s not legal for scalar %q", leaf.Operator, leaf.Scalar))
	}
	if len(leaf.Values) == 0 {
		return apperrors.NewInvalidPredicateError("leaf has no values")
	}
	if leaf.Operator != models.OpOneOf && leaf.Operator != models.OpInServiceArea && len(leaf.Values) != 1 {
		return apperrors.NewInvalidPredicateError(
			fmt.Sprintf("operator %s takes exactly one value", leaf.Operator))
	}
	for _, v := range leaf.Values {
		if _, err := ParseValue(leaf.Scalar, v); err != nil {
			return apperrors.NewInvalidPredicateError(err.Error())
		}
	}
	return nil
}
