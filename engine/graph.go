package engine

import (
	"sort"

	"flow.evalgo.org/flow"
)

// Graph is an immutable runtime view of a flow: nodes indexed by id and
// outgoing connections grouped per source in primary-key order, which
// makes same-type edge picks deterministic.
type Graph struct {
	nodes map[string]*flow.Node
	out   map[string][]*flow.Connection
	entry string
}

// BuildGraph indexes a loaded flow for execution. Relational rows win
// when present; flows fetched without preloads fall back to the
// flow_data snapshot.
func BuildGraph(f *flow.Flow) *Graph {
	nodes := f.Nodes
	conns := f.Connections
	if len(nodes) == 0 {
		nodes = flow.NodesFromSnapshot(f.ID, f.FlowData)
		conns = flow.ConnectionsFromSnapshot(f.ID, f.FlowData)
	}

	g := &Graph{
		nodes: make(map[string]*flow.Node, len(nodes)),
		out:   make(map[string][]*flow.Connection),
		entry: f.EntryNodeID,
	}
	for i := range nodes {
		n := &nodes[i]
		g.nodes[n.NodeID] = n
		if g.entry == "" && n.NodeType == flow.NodeStart {
			g.entry = n.NodeID
		}
	}
	for i := range conns {
		c := &conns[i]
		g.out[c.SourceNodeID] = append(g.out[c.SourceNodeID], c)
	}
	for _, edges := range g.out {
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	}
	return g
}

// Entry returns the graph's entry node id.
func (g *Graph) Entry() string {
	return g.entry
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *flow.Node {
	return g.nodes[id]
}

// Next resolves the target of the first edge of the given type leaving
// source. The second return is false when no such edge exists.
func (g *Graph) Next(source string, connType flow.ConnectionType) (string, bool) {
	if connType == "" {
		connType = flow.ConnectionDefault
	}
	for _, c := range g.out[source] {
		if c.ConnectionType == connType {
			return c.TargetNodeID, true
		}
	}
	return "", false
}

// HasEdges reports whether source has any outgoing connection.
func (g *Graph) HasEdges(source string) bool {
	return len(g.out[source]) > 0
}
