package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// Bag is a flattened view over subject, resource, environment and context
// attributes.
type Bag map[string]any

// Source is one named attribute map contributing to a Bag.
type Source struct {
	Namespace string
	Attrs     map[string]any
}

// NewBag flattens sources in order. On key collisions the first source wins.
// Every attribute is also stored under "<namespace>.<key>".
func NewBag(sources ...Source) Bag {
	size := 0
	for _, src := range sources {
		size += 2 * len(src.Attrs)
	}
	bag := make(Bag, size)
	for _, src := range sources {
		for k, v := range src.Attrs {
			if _, exists := bag[k]; !exists {
				bag[k] = v
			}
			if src.Namespace != "" {
				key := src.Namespace + "." + k
				if _, exists := bag[key]; !exists {
					bag[key] = v
				}
			}
		}
	}
	return bag
}

// Lookup resolves path. Exact keys win; otherwise the longest key prefix is
// used and the remaining dotted segments walk nested maps. Nil values count
// as absent.
func (b Bag) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	if v, ok := b[path]; ok {
		return v, v != nil
	}
	for i := strings.LastIndexByte(path, '.'); i > 0; i = strings.LastIndexByte(path[:i], '.') {
		root, ok := b[path[:i]]
		if !ok {
			continue
		}
		if v, ok := walk(root, path[i+1:]); ok {
			return v, true
		}
	}
	return nil, false
}

func walk(value any, path string) (any, bool) {
	current := value
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

// Eval evaluates the leaf against bag. An absent attribute or an operand of
// the wrong type yields false regardless of Negate. Errors are configuration
// errors.
func (l Leaf) Eval(bag Bag) (bool, error) {
	actual, ok := bag.Lookup(l.Attribute)
	if !ok {
		return false, nil
	}
	matched, applicable, err := compare(l.Operator, actual, l.Value)
	if err != nil {
		return false, err
	}
	if !applicable {
		return false, nil
	}
	if l.Negate {
		return !matched, nil
	}
	return matched, nil
}

func compare(op Operator, actual, expected any) (matched bool, applicable bool, err error) {
	switch op {
	case OpEquals:
		return equal(actual, expected), true, nil
	case OpNotEquals:
		return !equal(actual, expected), true, nil
	case OpGreaterThan, OpGreaterThanEquals, OpLessThan, OpLessThanEquals:
		a, okA := toFloat(actual)
		e, okE := toFloat(expected)
		if !okA || !okE {
			return false, false, nil
		}
		switch op {
		case OpGreaterThan:
			return a > e, true, nil
		case OpGreaterThanEquals:
			return a >= e, true, nil
		case OpLessThan:
			return a < e, true, nil
		default:
			return a <= e, true, nil
		}
	case OpStartsWith, OpEndsWith, OpContains, OpNotContains:
		a, okA := actual.(string)
		e, okE := expected.(string)
		if !okA || !okE {
			return false, false, nil
		}
		switch op {
		case OpStartsWith:
			return strings.HasPrefix(a, e), true, nil
		case OpEndsWith:
			return strings.HasSuffix(a, e), true, nil
		case OpContains:
			return strings.Contains(a, e), true, nil
		default:
			return !strings.Contains(a, e), true, nil
		}
	case OpMatches:
		pattern, ok := expected.(string)
		if !ok {
			return false, false, fmt.Errorf("%w: MATCHES expects a string pattern", ErrInvalidValue)
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return false, false, err
		}
		a, ok := actual.(string)
		if !ok {
			return false, false, nil
		}
		return re.MatchString(a), true, nil
	case OpIn, OpNotIn:
		candidates, ok := toSlice(expected)
		if !ok {
			return false, false, fmt.Errorf("%w: %s expects an array", ErrInvalidValue, op)
		}
		found := member(actual, candidates)
		if op == OpNotIn {
			return !found, true, nil
		}
		return found, true, nil
	default:
		return false, false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

// member reports whether actual, or any element of actual when it is a
// slice, equals one of candidates.
func member(actual any, candidates []any) bool {
	if items, ok := toSlice(actual); ok {
		for _, item := range items {
			if member(item, candidates) {
				return true
			}
		}
		return false
	}
	for _, c := range candidates {
		if equal(actual, c) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

var patterns sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	patterns.Store(pattern, re)
	return re, nil
}
