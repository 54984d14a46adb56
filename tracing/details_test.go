package tracing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetailsMap(t *testing.T) {
	t.Run("condition details flatten with json names", func(t *testing.T) {
		details := ConditionDetails{
			ConditionsEvaluated: []ConditionCheck{
				{Expression: "{{user.age}} >= 18", Result: false},
				{Expression: "{{user.age}} >= 13", Result: true},
			},
			MatchedConditionIndex: 1,
			ConnectionTaken:       "$1",
		}

		m := DetailsMap(details)

		assert.Equal(t, float64(1), m["matched_condition_index"])
		assert.Equal(t, "$1", m["connection_taken"])
		evaluated, ok := m["conditions_evaluated"].([]interface{})
		require.True(t, ok)
		require.Len(t, evaluated, 2)
		first := evaluated[0].(map[string]interface{})
		assert.Equal(t, false, first["result"])
	})

	t.Run("omitempty drops unset optionals", func(t *testing.T) {
		m := DetailsMap(WebhookDetails{URL: "https://api.example.com", Method: "POST", DurationMS: 12})

		_, hasBody := m["response_body"]
		_, hasErr := m["error"]
		assert.False(t, hasBody)
		assert.False(t, hasErr)
		assert.Equal(t, "POST", m["method"])
	})

	t.Run("nil input yields empty map", func(t *testing.T) {
		m := DetailsMap(nil)
		assert.NotNil(t, m)
		assert.Empty(t, m)
	})
}

func TestCodePreview(t *testing.T) {
	short := "var x = 1;"
	assert.Equal(t, short, CodePreview(short))

	long := strings.Repeat("a", 800)
	assert.Len(t, CodePreview(long), 500)
}
