package abac

import (
	"fmt"
	"sort"

	"github.com/odyssey-erp/odyssey-authz/internal/condition"
)

// Evaluate returns Allowed on the first rule that matches. A disabled set
// never allows. Errors are configuration errors in a rule's clauses.
func Evaluate(in Input, set RuleSet) (Result, error) {
	if !set.Enabled {
		return Result{}, nil
	}
	for _, rule := range set.Rules {
		ok, err := matchRule(in, rule)
		if err != nil {
			return Result{}, fmt.Errorf("abac: rule %q: %w", rule.Name, err)
		}
		if ok {
			return Result{Allowed: true, Rule: rule.Name}, nil
		}
	}
	return Result{}, nil
}

func matchRule(in Input, rule Rule) (bool, error) {
	if raw, ok := rule.Conditions[RequiredRolesKey]; ok {
		required, ok := stringList(raw)
		if !ok {
			return false, fmt.Errorf("%w: %s must be a list of role names", condition.ErrInvalidValue, RequiredRolesKey)
		}
		if !holdsAny(in.Roles, required) {
			return false, nil
		}
	}
	keys := make([]string, 0, len(rule.Conditions))
	for key := range rule.Conditions {
		if key != RequiredRolesKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		actual, found := lookup(in, key)
		if !found {
			return false, nil
		}
		leaf, err := clause(key, rule.Conditions[key])
		if err != nil {
			return false, err
		}
		ok, err := leaf.Eval(condition.Bag{key: actual})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// lookup resolves key against subject attributes first, then the call's
// context, environment and resource attributes.
func lookup(in Input, key string) (any, bool) {
	for _, attrs := range []map[string]any{in.Subject, in.Context, in.Environment, in.Resource} {
		if v, ok := attrs[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func clause(key string, expected any) (condition.Leaf, error) {
	spec, ok := expected.(map[string]any)
	if !ok {
		return condition.Leaf{Operator: condition.OpEquals, Attribute: key, Value: expected}, nil
	}
	rawOp, ok := spec["operator"]
	if !ok {
		return condition.Leaf{Operator: condition.OpEquals, Attribute: key, Value: expected}, nil
	}
	op, ok := rawOp.(string)
	if !ok || !condition.IsComparison(condition.Operator(op)) {
		return condition.Leaf{}, fmt.Errorf("%w: %v", condition.ErrUnknownOperator, rawOp)
	}
	negate, _ := spec["negate"].(bool)
	return condition.Leaf{Operator: condition.Operator(op), Attribute: key, Value: spec["value"], Negate: negate}, nil
}

// ValidateRule checks a rule's clauses without evaluating it.
func ValidateRule(rule Rule) error {
	for key, expected := range rule.Conditions {
		if key == RequiredRolesKey {
			if _, ok := stringList(expected); !ok {
				return fmt.Errorf("%w: %s must be a list of role names", condition.ErrInvalidValue, RequiredRolesKey)
			}
			continue
		}
		leaf, err := clause(key, expected)
		if err != nil {
			return err
		}
		if err := condition.Validate(leaf); err != nil {
			return err
		}
	}
	return nil
}

func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func holdsAny(held, required []string) bool {
	for _, r := range required {
		for _, h := range held {
			if h == r {
				return true
			}
		}
	}
	return false
}
