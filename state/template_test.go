package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	bag := NewBag()
	bag.Set("user.name", "Grace")
	bag.Set("temp.score", float64(87))

	t.Run("substitutes resolved paths", func(t *testing.T) {
		assert.Equal(t, "Hello Grace, you scored 87.",
			bag.Render("Hello {{user.name}}, you scored {{temp.score}}."))
	})

	t.Run("whitespace inside token tolerated", func(t *testing.T) {
		assert.Equal(t, "Grace", bag.Render("{{ user.name }}"))
	})

	t.Run("unresolved token left in place", func(t *testing.T) {
		assert.Equal(t, "id: {{context.school_id}}", bag.Render("id: {{context.school_id}}"))
	})

	t.Run("literal text without tokens untouched", func(t *testing.T) {
		assert.Equal(t, "no templates here", bag.Render("no templates here"))
	})
}

func TestRenderValue(t *testing.T) {
	bag := NewBag()
	bag.Set("context.city", "Leipzig")

	rendered := bag.RenderValue(map[string]interface{}{
		"greeting": "Hi from {{context.city}}",
		"nested":   map[string]interface{}{"list": []interface{}{"{{context.city}}", 3}},
		"count":    2,
	})

	m := rendered.(map[string]interface{})
	assert.Equal(t, "Hi from Leipzig", m["greeting"])
	assert.Equal(t, 2, m["count"])
	nested := m["nested"].(map[string]interface{})
	assert.Equal(t, []interface{}{"Leipzig", 3}, nested["list"])
}

func TestStripTemplates(t *testing.T) {
	t.Run("pure template collapses to nil", func(t *testing.T) {
		assert.Nil(t, StripTemplates("{{context.school_id}}"))
	})

	t.Run("embedded template collapses to nil", func(t *testing.T) {
		assert.Nil(t, StripTemplates("school {{context.school_id}} here"))
	})

	t.Run("resolved payload keeps values, unresolved become null", func(t *testing.T) {
		payload := map[string]interface{}{
			"name":      "resolved",
			"school_id": "{{context.school_id}}",
		}
		stripped := StripTemplates(payload).(map[string]interface{})
		assert.Equal(t, "resolved", stripped["name"])
		assert.Nil(t, stripped["school_id"])
	})

	t.Run("non-string scalars pass through", func(t *testing.T) {
		payload := map[string]interface{}{"n": 4, "ok": true, "none": nil}
		stripped := StripTemplates(payload).(map[string]interface{})
		assert.Equal(t, 4, stripped["n"])
		assert.Equal(t, true, stripped["ok"])
		assert.Nil(t, stripped["none"])
	})

	t.Run("lists traversed", func(t *testing.T) {
		stripped := StripTemplates([]interface{}{"keep", "{{drop}}", 1}).([]interface{})
		assert.Equal(t, []interface{}{"keep", nil, 1}, stripped)
	})
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, HasTemplate("{{a.b}}"))
	assert.True(t, HasTemplate("x {{ a }} y"))
	assert.False(t, HasTemplate("plain"))
	assert.False(t, HasTemplate("{single brace}"))
}
