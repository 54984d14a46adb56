package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBagGetSet(t *testing.T) {
	t.Run("set creates intermediate maps", func(t *testing.T) {
		bag := NewBag()
		bag.Set("user.profile.name", "Ada")

		assert.Equal(t, "Ada", bag.Get("user.profile.name"))
		profile, ok := bag.Get("user.profile").(map[string]interface{})
		require.True(t, ok)
		assert.Len(t, profile, 1)
	})

	t.Run("missing path returns nil", func(t *testing.T) {
		bag := NewBag()
		assert.Nil(t, bag.Get("temp.nothing.here"))
		assert.Nil(t, bag.Get(""))
	})

	t.Run("traversal through scalar returns nil", func(t *testing.T) {
		bag := NewBag()
		bag.Set("temp.count", 5)
		assert.Nil(t, bag.Get("temp.count.deeper"))
	})

	t.Run("set replaces scalar with map on deeper write", func(t *testing.T) {
		bag := NewBag()
		bag.Set("temp.x", "scalar")
		bag.Set("temp.x.y", 1)
		assert.Equal(t, 1, bag.Get("temp.x.y"))
	})
}

func TestBagMerge(t *testing.T) {
	t.Run("maps merge recursively, scalars replace", func(t *testing.T) {
		bag := Bag{
			"user": map[string]interface{}{"name": "Ada", "age": 36},
			"temp": map[string]interface{}{"step": 1},
		}
		bag.Merge(map[string]interface{}{
			"user": map[string]interface{}{"age": 37},
			"temp": map[string]interface{}{"quiz": []interface{}{1, 2}},
		})

		assert.Equal(t, "Ada", bag.Get("user.name"))
		assert.Equal(t, 37, bag.Get("user.age"))
		assert.Equal(t, 1, bag.Get("temp.step"))
		assert.Equal(t, []interface{}{1, 2}, bag.Get("temp.quiz"))
	})

	t.Run("lists are replaced not appended", func(t *testing.T) {
		bag := Bag{"temp": map[string]interface{}{"list": []interface{}{1, 2, 3}}}
		bag.Merge(map[string]interface{}{
			"temp": map[string]interface{}{"list": []interface{}{9}},
		})
		assert.Equal(t, []interface{}{9}, bag.Get("temp.list"))
	})

	t.Run("merged containers are copies", func(t *testing.T) {
		src := map[string]interface{}{
			"context": map[string]interface{}{"ids": []interface{}{"a"}},
		}
		bag := NewBag()
		bag.Merge(src)
		src["context"].(map[string]interface{})["ids"].([]interface{})[0] = "mutated"
		assert.Equal(t, []interface{}{"a"}, bag.Get("context.ids"))
	})
}

func TestBagClone(t *testing.T) {
	bag := NewBag()
	bag.Set("user.tags", []interface{}{"x"})
	clone := bag.Clone()
	clone.Set("user.tags", []interface{}{"y"})
	clone.Set("temp.new", true)

	assert.Equal(t, []interface{}{"x"}, bag.Get("user.tags"))
	assert.Nil(t, bag.Get("temp.new"))
}

func TestNumber(t *testing.T) {
	cases := []struct {
		name  string
		input interface{}
		want  float64
		ok    bool
	}{
		{"float64", 3.5, 3.5, true},
		{"int", 7, 7, true},
		{"int64", int64(-2), -2, true},
		{"string", "3", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Number(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "42", Stringify(float64(42)))
	assert.Equal(t, "3.25", Stringify(3.25))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]interface{}{"a": 1}))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy([]interface{}{}))
	assert.False(t, Truthy(map[string]interface{}{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy([]interface{}{nil}))
}
