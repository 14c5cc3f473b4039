package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	isAcme  = Leaf{Operator: OpEquals, Attribute: "organization", Value: "acme"}
	isSenior = Leaf{Operator: OpGreaterThan, Attribute: "level", Value: 10}
)

func TestEmptyLogicalNodes(t *testing.T) {
	bag := testBag()

	ok, err := Evaluate(And{}, bag)
	require.NoError(t, err)
	assert.True(t, ok, "AND([]) is vacuously true")

	ok, err = Evaluate(Or{}, bag)
	require.NoError(t, err)
	assert.False(t, ok, "OR([]) is false")

	ok, err = EvaluateAll(nil, bag)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAndOrNot(t *testing.T) {
	bag := testBag()

	ok, err := Evaluate(And{Children: []Condition{isAcme, isSenior}}, bag)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Evaluate(Or{Children: []Condition{isSenior, isAcme}}, bag)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(Not{Child: isSenior}, bag)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDoubleNegationIsIdentity(t *testing.T) {
	bag := testBag()
	for _, c := range []Condition{isAcme, isSenior, And{}, Or{}, Or{Children: []Condition{isAcme}}} {
		plain, err := Evaluate(c, bag)
		require.NoError(t, err)
		double, err := Evaluate(Not{Child: Not{Child: c}}, bag)
		require.NoError(t, err)
		assert.Equal(t, plain, double)
	}
}

func TestShortCircuitSkipsBrokenChildren(t *testing.T) {
	bag := testBag()
	broken := Leaf{Operator: OpMatches, Attribute: "id", Value: "("}

	ok, err := Evaluate(Or{Children: []Condition{isAcme, broken}}, bag)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(And{Children: []Condition{isSenior, broken}}, bag)
	require.NoError(t, err)
	assert.False(t, ok)
}

func nested(depth int) Condition {
	var c Condition = isAcme
	for i := 1; i < depth; i++ {
		c = Not{Child: c}
	}
	return c
}

func TestDepthCap(t *testing.T) {
	bag := testBag()

	_, err := Evaluate(nested(MaxDepth), bag)
	require.NoError(t, err)

	_, err = Evaluate(nested(MaxDepth+1), bag)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	assert.ErrorIs(t, Validate(nested(MaxDepth+1)), ErrDepthExceeded)
}

func TestEvaluateAllAtMaxDepth(t *testing.T) {
	bag := testBag()
	conds := []Condition{nested(MaxDepth), nested(MaxDepth - 1)}
	for _, c := range conds {
		require.NoError(t, Validate(c))
	}
	_, err := EvaluateAll(conds, bag)
	require.NoError(t, err)

	_, err = EvaluateAll([]Condition{nested(MaxDepth + 1)}, bag)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	ok, err := EvaluateAll(nil, bag)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilNotChild(t *testing.T) {
	_, err := Evaluate(Not{}, testBag())
	assert.ErrorIs(t, err, ErrMalformed)
}
