// Package condition evaluates attribute conditions and AND/OR/NOT trees of
// them against a flattened attribute bag.
package condition

import (
	"errors"
	"fmt"
)

// MaxDepth bounds the nesting of logical nodes in a single tree.
const MaxDepth = 32

// Operator names a comparison or logical operator.
type Operator string

const (
	OpEquals            Operator = "EQUALS"
	OpNotEquals         Operator = "NOT_EQUALS"
	OpGreaterThan       Operator = "GREATER_THAN"
	OpGreaterThanEquals Operator = "GREATER_THAN_EQUALS"
	OpLessThan          Operator = "LESS_THAN"
	OpLessThanEquals    Operator = "LESS_THAN_EQUALS"
	OpStartsWith        Operator = "STARTS_WITH"
	OpEndsWith          Operator = "ENDS_WITH"
	OpContains          Operator = "CONTAINS"
	OpNotContains       Operator = "NOT_CONTAINS"
	OpMatches           Operator = "MATCHES"
	OpIn                Operator = "IN"
	OpNotIn             Operator = "NOT_IN"

	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
	OpNot Operator = "NOT"
)

var (
	// ErrDepthExceeded reports a tree nested deeper than MaxDepth.
	ErrDepthExceeded = errors.New("condition: maximum nesting depth exceeded")
	// ErrUnknownOperator reports an operator outside the supported set.
	ErrUnknownOperator = errors.New("condition: unknown operator")
	// ErrMalformed reports a structurally invalid condition.
	ErrMalformed = errors.New("condition: malformed condition")
	// ErrInvalidPattern reports a MATCHES pattern that does not compile.
	ErrInvalidPattern = errors.New("condition: invalid pattern")
	// ErrInvalidValue reports a comparison value of the wrong shape for its operator.
	ErrInvalidValue = errors.New("condition: invalid value")
)

// Condition is one node of a condition tree: Leaf, And, Or or Not.
type Condition interface {
	isCondition()
}

// Leaf compares the attribute found at Attribute with Value.
type Leaf struct {
	Operator  Operator
	Attribute string
	Value     any
	Negate    bool
}

// And holds when every child holds. An empty And holds.
type And struct {
	Children []Condition
}

// Or holds when at least one child holds. An empty Or does not hold.
type Or struct {
	Children []Condition
}

// Not inverts its child.
type Not struct {
	Child Condition
}

func (Leaf) isCondition() {}
func (And) isCondition()  {}
func (Or) isCondition()   {}
func (Not) isCondition()  {}

// IsComparison reports whether op is a leaf operator.
func IsComparison(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals,
		OpGreaterThan, OpGreaterThanEquals, OpLessThan, OpLessThanEquals,
		OpStartsWith, OpEndsWith, OpContains, OpNotContains,
		OpMatches, OpIn, OpNotIn:
		return true
	}
	return false
}

// Validate checks a tree for unknown operators, malformed nodes, bad
// patterns and excessive depth.
func Validate(c Condition) error {
	return validate(c, 1)
}

func validate(c Condition, depth int) error {
	if depth > MaxDepth {
		return ErrDepthExceeded
	}
	switch n := c.(type) {
	case Leaf:
		return validateLeaf(n)
	case And:
		for _, child := range n.Children {
			if err := validate(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	case Or:
		for _, child := range n.Children {
			if err := validate(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	case Not:
		if n.Child == nil {
			return fmt.Errorf("%w: NOT requires a child", ErrMalformed)
		}
		return validate(n.Child, depth+1)
	case nil:
		return fmt.Errorf("%w: nil node", ErrMalformed)
	default:
		return fmt.Errorf("%w: node %T", ErrMalformed, c)
	}
}

func validateLeaf(l Leaf) error {
	if !IsComparison(l.Operator) {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, l.Operator)
	}
	if l.Attribute == "" {
		return fmt.Errorf("%w: %s requires an attribute", ErrMalformed, l.Operator)
	}
	switch l.Operator {
	case OpGreaterThan, OpGreaterThanEquals, OpLessThan, OpLessThanEquals:
		if _, ok := toFloat(l.Value); !ok {
			return fmt.Errorf("%w: %s expects a number", ErrInvalidValue, l.Operator)
		}
	case OpStartsWith, OpEndsWith, OpContains, OpNotContains:
		if _, ok := l.Value.(string); !ok {
			return fmt.Errorf("%w: %s expects a string", ErrInvalidValue, l.Operator)
		}
	case OpMatches:
		pattern, ok := l.Value.(string)
		if !ok {
			return fmt.Errorf("%w: MATCHES expects a string pattern", ErrInvalidValue)
		}
		if _, err := compilePattern(pattern); err != nil {
			return err
		}
	case OpIn, OpNotIn:
		if _, ok := toSlice(l.Value); !ok {
			return fmt.Errorf("%w: %s expects an array", ErrInvalidValue, l.Operator)
		}
	}
	return nil
}

// IsConfigError reports whether err stems from an invalid condition.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrDepthExceeded) ||
		errors.Is(err, ErrUnknownOperator) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrInvalidPattern) ||
		errors.Is(err, ErrInvalidValue)
}
