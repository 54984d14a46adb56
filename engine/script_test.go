package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
	"flow.evalgo.org/tracing"
)

func scriptNode(content flow.JSONMap) *flow.Node {
	return &flow.Node{NodeID: "js1", NodeType: flow.NodeScript, Content: content}
}

func TestScriptProcessor(t *testing.T) {
	proc := NewScriptProcessor(0)
	ctx := context.Background()

	t.Run("runs backend scripts and writes outputs", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code": `var total = inputs.a + inputs.b;`,
			"inputs": map[string]interface{}{
				"a": "temp.first",
				"b": "temp.second",
			},
			"outputs": []interface{}{"total"},
		})
		bag := state.Bag{"temp": map[string]interface{}{"first": float64(2), "second": float64(3)}}

		res, err := proc.Process(ctx, testTick(node, bag, nil))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, flow.ConnectionSuccess, res.ConnectionType)
		assert.Equal(t, int64(5), state.Bag(res.VariablesWritten).Get("total"))

		details := res.Details.(tracing.ScriptDetails)
		assert.Equal(t, "javascript", details.Language)
		assert.Equal(t, float64(2), details.Inputs["a"])
	})

	t.Run("dotted output names write nested paths", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code":    `var grade = "A";`,
			"outputs": []interface{}{"grade"},
		})
		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err)
		assert.Equal(t, "A", res.VariablesWritten["grade"])
	})

	t.Run("non-string inputs pass through as literals", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code": `var doubled = inputs.n * 2;`,
			"inputs": map[string]interface{}{
				"n": float64(21),
			},
			"outputs": []interface{}{"doubled"},
		})
		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err)
		assert.Equal(t, int64(42), res.VariablesWritten["doubled"])
	})

	t.Run("deadline is a routed failure", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code":    `while (true) {}`,
			"timeout": float64(50),
		})
		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err, "timeouts route the failure edge")
		assert.False(t, res.Success)
		assert.Equal(t, flow.ConnectionFailure, res.ConnectionType)
		require.NotEmpty(t, res.Errors)
		assert.Contains(t, res.Errors[0], "deadline")

		details := res.Details.(tracing.ScriptDetails)
		assert.NotEmpty(t, details.Error)
	})

	t.Run("thrown errors route the failure edge", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code": `throw new Error("bad data");`,
		})
		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Errors[0], "bad data")
	})

	t.Run("frontend context emits the blob instead of running", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code":              `document.title = "hi";`,
			"execution_context": "frontend",
			"dependencies":      []interface{}{"https://cdn.example.com/lib.js"},
			"outputs":           []interface{}{"never"},
		})
		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, flow.ConnectionDefault, res.ConnectionType)
		assert.Empty(t, res.VariablesWritten, "frontend scripts never run server-side")

		require.Len(t, res.MessagesEmitted, 1)
		assert.Equal(t, "script", res.MessagesEmitted[0].Type)
		blob := res.MessagesEmitted[0].Content.(map[string]interface{})
		assert.Equal(t, `document.title = "hi";`, blob["code"])
		assert.Equal(t, []interface{}{"https://cdn.example.com/lib.js"}, blob["dependencies"])
	})

	t.Run("mixed context runs and emits", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code":              `var ok = true;`,
			"execution_context": "mixed",
			"outputs":           []interface{}{"ok"},
		})
		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Len(t, res.MessagesEmitted, 1)
		assert.Equal(t, true, res.VariablesWritten["ok"])
	})

	t.Run("console logs only land in verbose traces", func(t *testing.T) {
		node := scriptNode(flow.JSONMap{
			"code": `console.log("debugging");`,
		})

		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err)
		assert.Empty(t, res.Details.(tracing.ScriptDetails).ConsoleLogs)

		tick := testTick(node, state.NewBag(), nil)
		tick.Session.TraceLevel = flow.TraceVerbose
		res, err = proc.Process(ctx, tick)
		require.NoError(t, err)
		assert.Equal(t, []string{"debugging"}, res.Details.(tracing.ScriptDetails).ConsoleLogs)
	})

	t.Run("code preview is capped", func(t *testing.T) {
		long := "var x = 1; // " + strings.Repeat("y", 600)
		node := scriptNode(flow.JSONMap{"code": long})
		res, err := proc.Process(ctx, testTick(node, state.NewBag(), nil))
		require.NoError(t, err)
		assert.Len(t, res.Details.(tracing.ScriptDetails).CodePreview, 500)
	})
}
