package policy

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-authz/internal/condition"
)

// Request is the part of an access request statements look at.
type Request struct {
	Action     string
	ResourceID string
	Attributes condition.Bag
}

// Result is the combined outcome of a policy-set pass.
type Result struct {
	Allowed bool
	// Matched lists the ids of policies with a matching statement, in
	// evaluation order.
	Matched []string
	// DeniedBy is the id of the policy whose DENY statement ended the pass.
	DeniedBy string
}

// Evaluate combines the statements of all active policies. The default is
// deny; a matching ALLOW allows; a matching DENY denies and stops the pass.
// Errors are configuration errors in a statement.
func Evaluate(policies []Policy, req Request) (Result, error) {
	var res Result
	for _, p := range policies {
		if !p.Active {
			continue
		}
		for i, st := range p.Statements {
			ok, err := statementMatches(st, req)
			if err != nil {
				return Result{}, fmt.Errorf("policy %s statement %d: %w", p.ID, i, err)
			}
			if !ok {
				continue
			}
			switch st.Effect {
			case EffectAllow:
				res.Allowed = true
				res.Matched = appendUnique(res.Matched, p.ID)
			case EffectDeny:
				res.Allowed = false
				res.Matched = appendUnique(res.Matched, p.ID)
				res.DeniedBy = p.ID
				return res, nil
			default:
				return Result{}, fmt.Errorf("policy %s statement %d: unknown effect %q", p.ID, i, st.Effect)
			}
		}
	}
	return res, nil
}

func statementMatches(st Statement, req Request) (bool, error) {
	if !matchAny(st.Actions, req.Action) {
		return false, nil
	}
	if !matchAny(st.Resources, req.ResourceID) {
		return false, nil
	}
	if len(st.Conditions) == 0 {
		return true, nil
	}
	return condition.EvaluateAll(condition.Nodes(st.Conditions), req.Attributes)
}

// Validate checks a policy's statements for unknown effects and invalid
// condition trees.
func Validate(p Policy) error {
	for i, st := range p.Statements {
		if st.Effect != EffectAllow && st.Effect != EffectDeny {
			return fmt.Errorf("statement %d: unknown effect %q", i, st.Effect)
		}
		for _, n := range st.Conditions {
			if err := condition.Validate(n.Condition); err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
		}
	}
	return nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
