// Package predicate evaluates predicate trees against partial applicant
// answer sets. Evaluation is pure and total: for any predicate that passed
// authoring-time validation it returns a boolean and never fails. An
// unanswered question makes its leaf false; it is never an error.
package predicate

import (
	"context"
	"time"

	"github.com/civiform/formflow/internal/common/metrics"
	"github.com/civiform/formflow/internal/models"
	"github.com/civiform/formflow/internal/questiontypes"
)

// AnswerView exposes applicant answers to the engine.
type AnswerView interface {
	Answer(questionName string) (models.AnswerValue, bool)
}

// MapView adapts a plain answer map to AnswerView.
type MapView map[string]models.AnswerValue

func (m MapView) Answer(questionName string) (models.AnswerValue, bool) {
	v, ok := m[questionName]
	return v, ok
}

// ServiceAreaResolver resolves an address to the named service areas it
// belongs to. Implementations call an external system and may fail.
type ServiceAreaResolver interface {
	ResolveServiceArea(ctx context.Context, addr models.Address) ([]string, error)
}

// Engine evaluates predicate trees. Safe for concurrent use.
type Engine struct {
	resolver ServiceAreaResolver
}

// NewEngine returns an engine. The resolver may be nil when no program uses
// the service-area operator; such leaves then evaluate false.
func NewEngine(resolver ServiceAreaResolver) *Engine {
	return &Engine{resolver: resolver}
}

// Evaluate returns the boolean value of the tree over the given answers.
func (e *Engine) Evaluate(ctx context.Context, node models.PredicateNode, answers AnswerView) bool {
	result, _ := e.EvaluateDiag(ctx, node, answers)
	return result
}

// EvaluateDiag evaluates the tree and additionally reports external lookup
// failures. A failed service-area resolution makes its leaf false, same as
// an unanswered question, but the returned errors let the caller tell the
// two apart.
func (e *Engine) EvaluateDiag(ctx context.Context, node models.PredicateNode, answers AnswerView) (bool, []error) {
	var diag []error
	result := e.eval(ctx, node, answers, &diag)
	label := "false"
	if result {
		label = "true"
	}
	metrics.PredicateEvaluations.WithLabelValues(label).Inc()
	return result, diag
}

func (e *Engine) eval(ctx context.Context, node models.PredicateNode, answers AnswerView, diag *[]error) bool {
	switch {
	case node.Leaf != nil:
		return e.evalLeaf(ctx, *node.Leaf, answers, diag)
	case node.Composite != nil:
		return e.evalComposite(ctx, *node.Composite, answers, diag)
	default:
		// Empty node: treat like an absent predicate.
		return true
	}
}

// evalComposite short-circuits: AND stops at the first false child, OR at
// the first true one. Empty AND is true and empty OR is false, the identity
// elements, so an absent visibility predicate means "always visible."
func (e *Engine) evalComposite(ctx context.Context, node models.CompositeNode, answers AnswerView, diag *[]error) bool {
	switch node.Op {
	case models.OpOr:
		for _, child := range node.Children {
			if e.eval(ctx, child, answers, diag) {
				return true
			}
		}
		return false
	default: // AND
		for _, child := range node.Children {
			if !e.eval(ctx, child, answers, diag) {
				return false
			}
		}
		return true
	}
}

func (e *Engine) evalLeaf(ctx context.Context, leaf models.LeafNode, answers AnswerView, diag *[]error) bool {
	answer, ok := answers.Answer(leaf.QuestionName)
	if !ok || answer.IsZero() {
		return false
	}

	if leaf.Scalar == models.ScalarServiceArea {
		return e.evalServiceArea(ctx, leaf, answer, diag)
	}

	actual, ok := scalarOf(answer, leaf.Scalar)
	if !ok {
		return false
	}

	switch leaf.Operator {
	case models.OpOneOf:
		for _, v := range leaf.Values {
			want, err := questiontypes.ParseValue(leaf.Scalar, v)
			if err != nil {
				continue
			}
			if c, ok := compare(actual, want); ok && c == 0 {
				return true
			}
		}
		return false
	default:
		want, err := questiontypes.ParseValue(leaf.Scalar, leaf.Values[0])
		if err != nil {
			return false
		}
		c, ok := compare(actual, want)
		if !ok {
			// Mismatched kinds are unordered and unequal; no operator,
			// NOT_EQUAL_TO included, can hold over them.
			return false
		}
		switch leaf.Operator {
		case models.OpEqualTo:
			return c == 0
		case models.OpNotEqualTo:
			return c != 0
		case models.OpGreaterThan:
			return c > 0
		case models.OpGreaterThanOrEqualTo:
			return c >= 0
		case models.OpLessThan:
			return c < 0
		case models.OpLessThanOrEqualTo:
			return c <= 0
		default:
			return false
		}
	}
}

func (e *Engine) evalServiceArea(ctx context.Context, leaf models.LeafNode, answer models.AnswerValue, diag *[]error) bool {
	if answer.Address == nil || e.resolver == nil {
		return false
	}
	areas, err := e.resolver.ResolveServiceArea(ctx, *answer.Address)
	if err != nil {
		*diag = append(*diag, err)
		return false
	}
	membership := make(map[string]bool, len(areas))
	for _, area := range areas {
		membership[area] = true
	}
	for _, want := range leaf.Values {
		if membership[want] {
			return true
		}
	}
	return false
}

// scalarOf extracts the comparable value of one scalar from an answer.
func scalarOf(answer models.AnswerValue, scalar models.Scalar) (interface{}, bool) {
	switch scalar {
	case models.ScalarNumber:
		if answer.Number == nil {
			return nil, false
		}
		return *answer.Number, true
	case models.ScalarCurrencyCents:
		if answer.CurrencyCents == nil {
			return nil, false
		}
		return *answer.CurrencyCents, true
	case models.ScalarDate:
		if answer.Date == nil {
			return nil, false
		}
		return *answer.Date, true
	case models.ScalarText, models.ScalarSelection, models.ScalarEmail, models.ScalarPhoneNumber:
		if answer.Text == "" {
			return nil, false
		}
		return answer.Text, true
	default:
		return nil, false
	}
}

// compare orders two scalar values of the same kind, returning -1, 0 or 1.
// Mixed kinds cannot happen for predicates that passed authoring
// validation; they report ok false so the caller treats the pair as
// unordered rather than unequal.
func compare(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}
