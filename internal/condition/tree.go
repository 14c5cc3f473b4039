package condition

import "fmt"

// Evaluate walks the tree rooted at c. AND short-circuits on the first false
// child, OR on the first true child. A tree deeper than MaxDepth returns
// ErrDepthExceeded instead of a result.
func Evaluate(c Condition, bag Bag) (bool, error) {
	return evaluate(c, bag, 1)
}

// EvaluateAll reports whether every condition holds. An empty list holds.
// Each condition is its own root, matching Validate.
func EvaluateAll(conds []Condition, bag Bag) (bool, error) {
	for _, c := range conds {
		ok, err := evaluate(c, bag, 1)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluate(c Condition, bag Bag, depth int) (bool, error) {
	if depth > MaxDepth {
		return false, ErrDepthExceeded
	}
	switch n := c.(type) {
	case Leaf:
		return n.Eval(bag)
	case And:
		for _, child := range n.Children {
			ok, err := evaluate(child, bag, depth+1)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case Or:
		for _, child := range n.Children {
			ok, err := evaluate(child, bag, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Not:
		if n.Child == nil {
			return false, fmt.Errorf("%w: NOT requires a child", ErrMalformed)
		}
		ok, err := evaluate(n.Child, bag, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case nil:
		return false, fmt.Errorf("%w: nil node", ErrMalformed)
	default:
		return false, fmt.Errorf("%w: node %T", ErrMalformed, c)
	}
}
