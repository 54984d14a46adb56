package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow.evalgo.org/state"
)

func testBag() state.Bag {
	bag := state.NewBag()
	bag.Set("user.age", float64(21))
	bag.Set("user.name", "Ada")
	bag.Set("user.tags", []interface{}{"alpha", "beta"})
	bag.Set("temp.score", float64(0))
	return bag
}

func TestPredicateLeafOps(t *testing.T) {
	bag := testBag()

	cases := []struct {
		name string
		raw  map[string]interface{}
		want bool
	}{
		{"eq number", map[string]interface{}{"var": "user.age", "op": "==", "value": 21}, true},
		{"eq number int vs float", map[string]interface{}{"var": "user.age", "op": "==", "value": float64(21)}, true},
		{"neq", map[string]interface{}{"var": "user.age", "op": "!=", "value": 20}, true},
		{"lt false", map[string]interface{}{"var": "user.age", "op": "<", "value": 21}, false},
		{"lte", map[string]interface{}{"var": "user.age", "op": "<=", "value": 21}, true},
		{"gt", map[string]interface{}{"var": "user.age", "op": ">", "value": 18}, true},
		{"gte", map[string]interface{}{"var": "user.age", "op": ">=", "value": 22}, false},
		{"string lt", map[string]interface{}{"var": "user.name", "op": "<", "value": "Bob"}, true},
		{"default op is eq", map[string]interface{}{"var": "user.name", "value": "Ada"}, true},
		{"in list", map[string]interface{}{"var": "user.name", "op": "in", "value": []interface{}{"Ada", "Eve"}}, true},
		{"in string", map[string]interface{}{"var": "user.name", "op": "in", "value": "Ada Lovelace"}, true},
		{"contains list", map[string]interface{}{"var": "user.tags", "op": "contains", "value": "beta"}, true},
		{"contains miss", map[string]interface{}{"var": "user.tags", "op": "contains", "value": "gamma"}, false},
		{"contains substring", map[string]interface{}{"var": "user.name", "op": "contains", "value": "d"}, true},
		{"missing var falsy eq", map[string]interface{}{"var": "user.missing", "op": "==", "value": "x"}, false},
		{"missing var ordered falsy", map[string]interface{}{"var": "user.missing", "op": ">", "value": 1}, false},
		{"null equals null", map[string]interface{}{"var": "user.missing", "op": "==", "value": nil}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred, err := ParsePredicate(tc.raw)
			require.NoError(t, err)
			got, err := pred.Evaluate(bag)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPredicateCombinators(t *testing.T) {
	bag := testBag()

	t.Run("and all true", func(t *testing.T) {
		pred, err := ParsePredicate(map[string]interface{}{
			"and": []interface{}{
				map[string]interface{}{"var": "user.age", "op": ">=", "value": 18},
				map[string]interface{}{"var": "user.name", "op": "==", "value": "Ada"},
			},
		})
		require.NoError(t, err)
		got, err := pred.Evaluate(bag)
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("or short circuits", func(t *testing.T) {
		pred, err := ParsePredicate(map[string]interface{}{
			"or": []interface{}{
				map[string]interface{}{"var": "user.age", "op": "<", "value": 5},
				map[string]interface{}{"var": "user.name", "op": "==", "value": "Ada"},
			},
		})
		require.NoError(t, err)
		got, err := pred.Evaluate(bag)
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("nested combinators", func(t *testing.T) {
		pred, err := ParsePredicate(map[string]interface{}{
			"and": []interface{}{
				map[string]interface{}{"or": []interface{}{
					map[string]interface{}{"var": "temp.score", "op": ">", "value": 10},
					map[string]interface{}{"var": "user.age", "op": ">", "value": 20},
				}},
				map[string]interface{}{"var": "user.name", "op": "!=", "value": ""},
			},
		})
		require.NoError(t, err)
		got, err := pred.Evaluate(bag)
		require.NoError(t, err)
		assert.True(t, got)
	})
}

func TestParsePredicateErrors(t *testing.T) {
	_, err := ParsePredicate(nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParsePredicate(map[string]interface{}{"op": "==", "value": 1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParsePredicate(map[string]interface{}{"var": "x", "op": "~="})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParsePredicate(map[string]interface{}{"and": []interface{}{}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParsePredicate(map[string]interface{}{"or": []interface{}{"not an object"}})
	assert.ErrorIs(t, err, ErrValidation)
}
