package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphFixture() (*Flow, []Node, []Connection) {
	f := &Flow{ID: "f1", Name: "quiz", EntryNodeID: "start"}
	nodes := []Node{
		{NodeID: "start", NodeType: NodeStart},
		{NodeID: "ask", NodeType: NodeQuestion, Content: JSONMap{"variable": "user.answer"}},
		{NodeID: "done", NodeType: NodeMessage},
	}
	conns := []Connection{
		{SourceNodeID: "start", TargetNodeID: "ask", ConnectionType: ConnectionDefault},
		{SourceNodeID: "ask", TargetNodeID: "done", ConnectionType: ConnectionDefault},
	}
	return f, nodes, conns
}

func TestValidateGraph(t *testing.T) {
	t.Run("valid graph passes strict", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		report, err := ValidateGraph(f, nodes, conns, true)
		require.NoError(t, err)
		assert.Empty(t, report.Warnings)
	})

	t.Run("unknown node type is fatal", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		nodes[1].NodeType = "teleport"
		_, err := ValidateGraph(f, nodes, conns, false)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("dangling connection endpoint is fatal", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		conns[1].TargetNodeID = "ghost"
		_, err := ValidateGraph(f, nodes, conns, false)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("duplicate source+type rejected at publish, warned while drafting", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		conns = append(conns, Connection{
			SourceNodeID: "start", TargetNodeID: "done", ConnectionType: ConnectionDefault,
		})

		report, err := ValidateGraph(f, nodes, conns, false)
		require.NoError(t, err)
		assert.Len(t, report.Warnings, 1)

		_, err = ValidateGraph(f, nodes, conns, true)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("missing entry node fatal only in strict mode", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		f.EntryNodeID = "ghost"

		_, err := ValidateGraph(f, nodes, conns, false)
		assert.NoError(t, err)

		_, err = ValidateGraph(f, nodes, conns, true)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("dangling node reported not rejected", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		nodes = append(nodes, Node{NodeID: "orphan", NodeType: NodeMessage})

		report, err := ValidateGraph(f, nodes, conns, true)
		require.NoError(t, err)
		assert.NotEmpty(t, report.Warnings)
	})

	t.Run("cycles are legal", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		conns = append(conns, Connection{
			SourceNodeID: "done", TargetNodeID: "ask", ConnectionType: ConnectionSuccess,
		})
		report, err := ValidateGraph(f, nodes, conns, true)
		require.NoError(t, err)
		assert.Empty(t, report.Warnings)
	})

	t.Run("script node content validated", func(t *testing.T) {
		f, nodes, conns := graphFixture()
		nodes[2] = Node{NodeID: "done", NodeType: NodeScript, Content: JSONMap{"language": "javascript"}}
		_, err := ValidateGraph(f, nodes, conns, false)
		assert.ErrorIs(t, err, ErrValidation)

		nodes[2].Content = JSONMap{"code": "1+1", "language": "cobol"}
		_, err = ValidateGraph(f, nodes, conns, false)
		assert.ErrorIs(t, err, ErrValidation)

		nodes[2].Content = JSONMap{"code": "1+1", "language": "typescript", "timeout": float64(500)}
		_, err = ValidateGraph(f, nodes, conns, false)
		assert.NoError(t, err)

		nodes[2].Content = JSONMap{"code": "1+1", "timeout": float64(0)}
		_, err = ValidateGraph(f, nodes, conns, false)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestFlowFileRoundTrip(t *testing.T) {
	src := []byte(`
name: onboarding
version: 1.2.0
entry_node_id: start
trace_enabled: true
trace_sample_rate: 25
nodes:
  - node_id: start
    type: start
  - node_id: hello
    type: message
    content:
      messages:
        - type: text
          content: "Hi {{user.name}}"
connections:
  - source: start
    target: hello
    type: DEFAULT
`)

	file, err := ParseFile(src)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", file.Name)

	f := file.Materialize()
	assert.Equal(t, "1.2.0", f.Version)
	assert.Equal(t, 30, f.RetentionDays, "retention defaults when omitted")
	assert.Equal(t, 25, f.TraceSampleRate)
	require.Len(t, f.Nodes, 2)
	assert.Equal(t, NodeMessage, f.Nodes[1].NodeType)
	require.Len(t, f.Connections, 1)
	assert.Equal(t, ConnectionDefault, f.Connections[0].ConnectionType)

	exported := FileFromFlow(f)
	data, err := exported.Marshal()
	require.NoError(t, err)
	reparsed, err := ParseFile(data)
	require.NoError(t, err)
	assert.Equal(t, file.Name, reparsed.Name)
	assert.Len(t, reparsed.Nodes, 2)
	assert.Equal(t, "DEFAULT", reparsed.Connections[0].Type)
}

func TestParseFileErrors(t *testing.T) {
	_, err := ParseFile([]byte("{not yaml"))
	assert.Error(t, err)

	_, err = ParseFile([]byte("version: 1.0.0\nnodes: []\n"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseFile([]byte("name: x\nnodes:\n  - node_id: a\n    type: warp\n"))
	assert.ErrorIs(t, err, ErrValidation)
}
