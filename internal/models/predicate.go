// internal/models/predicate.go
package models

// Scalar names a single comparable value a question exposes to predicates.
type Scalar string

const (
	ScalarText          Scalar = "text"
	ScalarSelection     Scalar = "selection"
	ScalarNumber        Scalar = "number"
	ScalarCurrencyCents Scalar = "currency_cents"
	ScalarDate          Scalar = "date"
	ScalarEmail         Scalar = "email"
	ScalarPhoneNumber   Scalar = "phone_number"
	ScalarServiceArea   Scalar = "service_area"
)

// Operator is a leaf comparison operator. The legal operator set per scalar
// is enforced at authoring time by the question type registry, not at
// evaluation time.
type Operator string

const (
	OpEqualTo              Operator = "EQUAL_TO"
	OpNotEqualTo           Operator = "NOT_EQUAL_TO"
	OpGreaterThan          Operator = "GREATER_THAN"
	OpGreaterThanOrEqualTo Operator = "GREATER_THAN_OR_EQUAL_TO"
	OpLessThan             Operator = "LESS_THAN"
	OpLessThanOrEqualTo    Operator = "LESS_THAN_OR_EQUAL_TO"
	OpOneOf                Operator = "ONE_OF"
	OpInServiceArea        Operator = "IN_SERVICE_AREA"
)

// LogicalOp combines composite children.
type LogicalOp string

const (
	OpAnd LogicalOp = "AND"
	OpOr  LogicalOp = "OR"
)

// PredicateNode is a closed tagged variant: exactly one of Leaf or Composite
// is set. Immutable once attached to a block revision.
type PredicateNode struct {
	Leaf      *LeafNode      `json:"leaf,omitempty"`
	Composite *CompositeNode `json:"composite,omitempty"`
}

// LeafNode compares one scalar of one question against configured values.
// Values are stored as strings and parsed per scalar kind; the registry
// validates them when the predicate is authored.
type LeafNode struct {
	QuestionName string   `json:"questionName"`
	Scalar       Scalar   `json:"scalar"`
	Operator     Operator `json:"operator"`
	Values       []string `json:"values"`
}

// CompositeNode combines children with AND/OR. An empty AND evaluates true
// and an empty OR evaluates false, so an absent visibility predicate is
// equivalent to "always visible."
type CompositeNode struct {
	Op       LogicalOp       `json:"op"`
	Children []PredicateNode `json:"children"`
}

// Leaves returns every leaf in the tree, in declaration order.
func (n PredicateNode) Leaves() []LeafNode {
	if n.Leaf != nil {
		return []LeafNode{*n.Leaf}
	}
	if n.Composite == nil {
		return nil
	}
	var out []LeafNode
	for _, child := range n.Composite.Children {
		out = append(out, child.Leaves()...)
	}
	return out
}

// Clone returns a deep copy of the tree.
func (n PredicateNode) Clone() PredicateNode {
	if n.Leaf != nil {
		leaf := *n.Leaf
		leaf.Values = append([]string(nil), n.Leaf.Values...)
		return PredicateNode{Leaf: &leaf}
	}
	if n.Composite != nil {
		children := make([]PredicateNode, len(n.Composite.Children))
		for i, child := range n.Composite.Children {
			children[i] = child.Clone()
		}
		return PredicateNode{Composite: &CompositeNode{Op: n.Composite.Op, Children: children}}
	}
	return PredicateNode{}
}
