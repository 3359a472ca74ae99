// internal/predicate/engine_test.go
package predicate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiform/formflow/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

func numberAnswer(n int64) models.AnswerValue {
	return models.AnswerValue{Type: models.QuestionNumber, Number: &n}
}

func dateAnswer(y int, m time.Month, d int) models.AnswerValue {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return models.AnswerValue{Type: models.QuestionDate, Date: &t}
}

func textAnswer(s string) models.AnswerValue {
	return models.AnswerValue{Type: models.QuestionText, Text: s}
}

func addressAnswer(street string) models.AnswerValue {
	return models.AnswerValue{Type: models.QuestionAddress, Address: &models.Address{
		Street: street, City: "Seattle", State: "WA", Zip: "98101",
	}}
}

func numberLeaf(question string, op models.Operator, values ...string) models.PredicateNode {
	return models.PredicateNode{Leaf: &models.LeafNode{
		QuestionName: question,
		Scalar:       models.ScalarNumber,
		Operator:     op,
		Values:       values,
	}}
}

// countingView counts lookups so short-circuit behavior is observable.
type countingView struct {
	answers MapView
	lookups map[string]int
}

func newCountingView(answers MapView) *countingView {
	return &countingView{answers: answers, lookups: make(map[string]int)}
}

func (v *countingView) Answer(questionName string) (models.AnswerValue, bool) {
	v.lookups[questionName]++
	return v.answers.Answer(questionName)
}

type stubResolver struct {
	areas []string
	err   error
	calls int
}

func (r *stubResolver) ResolveServiceArea(ctx context.Context, addr models.Address) ([]string, error) {
	r.calls++
	return r.areas, r.err
}

// ==========================
// Leaf Evaluation Tests
// ==========================

func TestEvaluate_NumberOperators(t *testing.T) {
	engine := NewEngine(nil)
	answers := MapView{"age": numberAnswer(21)}

	tests := []struct {
		name string
		node models.PredicateNode
		want bool
	}{
		{"equal true", numberLeaf("age", models.OpEqualTo, "21"), true},
		{"equal false", numberLeaf("age", models.OpEqualTo, "18"), false},
		{"not equal", numberLeaf("age", models.OpNotEqualTo, "18"), true},
		{"greater than", numberLeaf("age", models.OpGreaterThan, "18"), true},
		{"greater than boundary", numberLeaf("age", models.OpGreaterThan, "21"), false},
		{"greater or equal boundary", numberLeaf("age", models.OpGreaterThanOrEqualTo, "21"), true},
		{"less than", numberLeaf("age", models.OpLessThan, "65"), true},
		{"less or equal", numberLeaf("age", models.OpLessThanOrEqualTo, "20"), false},
		{"one of hit", numberLeaf("age", models.OpOneOf, "18", "21", "30"), true},
		{"one of miss", numberLeaf("age", models.OpOneOf, "18", "30"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.Evaluate(context.Background(), tt.node, answers))
		})
	}
}

func TestEvaluate_DateComparison(t *testing.T) {
	engine := NewEngine(nil)
	answers := MapView{"birth-date": dateAnswer(2021, time.November, 1)}

	node := models.PredicateNode{Leaf: &models.LeafNode{
		QuestionName: "birth-date",
		Scalar:       models.ScalarDate,
		Operator:     models.OpLessThan,
		Values:       []string{"2022-01-01"},
	}}
	assert.True(t, engine.Evaluate(context.Background(), node, answers))

	node.Leaf.Values = []string{"2021-11-01"}
	node.Leaf.Operator = models.OpEqualTo
	assert.True(t, engine.Evaluate(context.Background(), node, answers))
}

func TestEvaluate_TextSelection(t *testing.T) {
	engine := NewEngine(nil)
	answers := MapView{"color": {Type: models.QuestionRadio, Text: "blue"}}

	node := models.PredicateNode{Leaf: &models.LeafNode{
		QuestionName: "color",
		Scalar:       models.ScalarSelection,
		Operator:     models.OpOneOf,
		Values:       []string{"red", "blue"},
	}}
	assert.True(t, engine.Evaluate(context.Background(), node, answers))
}

// An unanswered question makes its leaf false, never an error.
func TestEvaluate_UnansweredIsFalse(t *testing.T) {
	engine := NewEngine(nil)

	node := numberLeaf("age", models.OpGreaterThan, "18")
	result, diag := engine.EvaluateDiag(context.Background(), node, MapView{})
	assert.False(t, result)
	assert.Empty(t, diag)

	// NOT_EQUAL on an unanswered question is still false: absence is not a
	// value that differs, it is no value at all.
	node = numberLeaf("age", models.OpNotEqualTo, "18")
	assert.False(t, engine.Evaluate(context.Background(), node, MapView{}))
}

func TestEvaluate_MismatchedKindsAreUnorderedAndUnequal(t *testing.T) {
	engine := NewEngine(nil)

	// A number leaf over a text answer has no number scalar to compare, so
	// every operator reads false, NOT_EQUAL_TO included.
	answers := MapView{"age": textAnswer("twenty-one")}
	for _, op := range []models.Operator{
		models.OpEqualTo, models.OpNotEqualTo,
		models.OpGreaterThan, models.OpLessThan,
	} {
		node := numberLeaf("age", op, "18")
		assert.False(t, engine.Evaluate(context.Background(), node, answers), string(op))
	}

	// compare itself reports mixed kinds as unordered rather than ranking
	// them below everything.
	_, ok := compare(int64(7), "7")
	assert.False(t, ok)
	_, ok = compare("7", int64(7))
	assert.False(t, ok)
}

// ==========================
// Composite Evaluation Tests
// ==========================

func TestEvaluate_CompositeIdentities(t *testing.T) {
	engine := NewEngine(nil)

	emptyAnd := models.PredicateNode{Composite: &models.CompositeNode{Op: models.OpAnd}}
	assert.True(t, engine.Evaluate(context.Background(), emptyAnd, MapView{}))

	emptyOr := models.PredicateNode{Composite: &models.CompositeNode{Op: models.OpOr}}
	assert.False(t, engine.Evaluate(context.Background(), emptyOr, MapView{}))

	// An empty node behaves like an absent predicate.
	assert.True(t, engine.Evaluate(context.Background(), models.PredicateNode{}, MapView{}))
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	engine := NewEngine(nil)
	view := newCountingView(MapView{"a": numberAnswer(1), "b": numberAnswer(2)})

	and := models.PredicateNode{Composite: &models.CompositeNode{
		Op: models.OpAnd,
		Children: []models.PredicateNode{
			numberLeaf("a", models.OpEqualTo, "99"), // false
			numberLeaf("b", models.OpEqualTo, "2"),
		},
	}}
	assert.False(t, engine.Evaluate(context.Background(), and, view))
	assert.Zero(t, view.lookups["b"], "AND must stop at the first false child")

	view = newCountingView(MapView{"a": numberAnswer(1), "b": numberAnswer(2)})
	or := models.PredicateNode{Composite: &models.CompositeNode{
		Op: models.OpOr,
		Children: []models.PredicateNode{
			numberLeaf("a", models.OpEqualTo, "1"), // true
			numberLeaf("b", models.OpEqualTo, "2"),
		},
	}}
	assert.True(t, engine.Evaluate(context.Background(), or, view))
	assert.Zero(t, view.lookups["b"], "OR must stop at the first true child")
}

func TestEvaluate_NestedComposite(t *testing.T) {
	engine := NewEngine(nil)
	answers := MapView{"age": numberAnswer(25), "income": numberAnswer(1000)}

	node := models.PredicateNode{Composite: &models.CompositeNode{
		Op: models.OpAnd,
		Children: []models.PredicateNode{
			numberLeaf("age", models.OpGreaterThanOrEqualTo, "18"),
			{Composite: &models.CompositeNode{
				Op: models.OpOr,
				Children: []models.PredicateNode{
					numberLeaf("income", models.OpLessThan, "500"),
					numberLeaf("income", models.OpEqualTo, "1000"),
				},
			}},
		},
	}}
	assert.True(t, engine.Evaluate(context.Background(), node, answers))
}

// ==========================
// Service Area Tests
// ==========================

func serviceAreaLeaf(values ...string) models.PredicateNode {
	return models.PredicateNode{Leaf: &models.LeafNode{
		QuestionName: "home-address",
		Scalar:       models.ScalarServiceArea,
		Operator:     models.OpInServiceArea,
		Values:       values,
	}}
}

func TestEvaluate_ServiceAreaMembership(t *testing.T) {
	resolver := &stubResolver{areas: []string{"Seattle", "King County"}}
	engine := NewEngine(resolver)
	answers := MapView{"home-address": addressAnswer("123 Main St")}

	assert.True(t, engine.Evaluate(context.Background(), serviceAreaLeaf("Seattle"), answers))
	assert.True(t, engine.Evaluate(context.Background(), serviceAreaLeaf("Tacoma", "King County"), answers))
	assert.False(t, engine.Evaluate(context.Background(), serviceAreaLeaf("Tacoma"), answers))
	assert.Equal(t, 3, resolver.calls)
}

// A failed lookup makes the leaf false but is reported on the diagnostic
// channel, unlike an unanswered question.
func TestEvaluateDiag_ServiceAreaFailure(t *testing.T) {
	lookupErr := errors.New("geo service unavailable")
	engine := NewEngine(&stubResolver{err: lookupErr})
	answers := MapView{"home-address": addressAnswer("123 Main St")}

	result, diag := engine.EvaluateDiag(context.Background(), serviceAreaLeaf("Seattle"), answers)
	assert.False(t, result)
	require.Len(t, diag, 1)
	assert.ErrorIs(t, diag[0], lookupErr)
}

func TestEvaluate_ServiceAreaWithoutResolver(t *testing.T) {
	engine := NewEngine(nil)
	answers := MapView{"home-address": addressAnswer("123 Main St")}

	result, diag := engine.EvaluateDiag(context.Background(), serviceAreaLeaf("Seattle"), answers)
	assert.False(t, result)
	assert.Empty(t, diag)
}
