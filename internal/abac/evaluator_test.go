package abac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/condition"
)

func devRuleSet() RuleSet {
	return RuleSet{
		ScopeID: "proj-1",
		Enabled: true,
		Rules: []Rule{{
			Name: "dev-environment",
			Conditions: map[string]any{
				RequiredRolesKey: []any{"developer", "admin"},
				"environment":    "development",
			},
		}},
	}
}

func TestRequiredRolesAndEnvironment(t *testing.T) {
	in := Input{Roles: []string{"developer"}, Context: map[string]any{"environment": "development"}}
	res, err := Evaluate(in, devRuleSet())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "dev-environment", res.Rule)

	in.Context["environment"] = "production"
	res, err = Evaluate(in, devRuleSet())
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestSubjectAttributeTakesPrecedence(t *testing.T) {
	in := Input{
		Roles:   []string{"admin"},
		Subject: map[string]any{"environment": "development"},
		Context: map[string]any{"environment": "production"},
	}
	res, err := Evaluate(in, devRuleSet())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMissingRoleOrAttributeFailsClosed(t *testing.T) {
	res, err := Evaluate(Input{Roles: []string{"viewer"}, Context: map[string]any{"environment": "development"}}, devRuleSet())
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = Evaluate(Input{Roles: []string{"developer"}}, devRuleSet())
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestDisabledScopeNeverAllows(t *testing.T) {
	set := devRuleSet()
	set.Enabled = false
	res, err := Evaluate(Input{Roles: []string{"developer"}, Context: map[string]any{"environment": "development"}}, set)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestRulesAreOred(t *testing.T) {
	set := RuleSet{Enabled: true, Rules: []Rule{
		{Name: "org", Conditions: map[string]any{"organization": "acme"}},
		{Name: "clearance", Conditions: map[string]any{
			"clearance": map[string]any{"operator": "GREATER_THAN_EQUALS", "value": 3},
		}},
	}}
	res, err := Evaluate(Input{Subject: map[string]any{"organization": "globex", "clearance": 4}}, set)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "clearance", res.Rule)

	res, err = Evaluate(Input{Subject: map[string]any{"organization": "globex", "clearance": 1}}, set)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestResourceAndEnvironmentLookup(t *testing.T) {
	set := RuleSet{Enabled: true, Rules: []Rule{{Name: "weekday-owner", Conditions: map[string]any{
		"owner":     "u-1",
		"dayOfWeek": map[string]any{"operator": "IN", "value": []any{1, 2, 3, 4, 5}},
	}}}}
	in := Input{
		Resource:    map[string]any{"owner": "u-1"},
		Environment: map[string]any{"dayOfWeek": 3},
	}
	res, err := Evaluate(in, set)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestInvalidClauses(t *testing.T) {
	bad := RuleSet{Enabled: true, Rules: []Rule{{Name: "bad", Conditions: map[string]any{
		"organization": map[string]any{"operator": "SOUNDS_LIKE", "value": "acme"},
	}}}}
	_, err := Evaluate(Input{Subject: map[string]any{"organization": "acme"}}, bad)
	assert.ErrorIs(t, err, condition.ErrUnknownOperator)
	assert.ErrorIs(t, ValidateRule(bad.Rules[0]), condition.ErrUnknownOperator)

	roles := Rule{Name: "roles", Conditions: map[string]any{RequiredRolesKey: "admin"}}
	assert.ErrorIs(t, ValidateRule(roles), condition.ErrInvalidValue)

	regex := Rule{Name: "regex", Conditions: map[string]any{"email": map[string]any{"operator": "MATCHES", "value": "("}}}
	assert.ErrorIs(t, ValidateRule(regex), condition.ErrInvalidPattern)
}
