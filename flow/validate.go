package flow

import (
	"fmt"
)

// ValidationReport carries non-fatal findings from a graph check.
// Dangling and unreachable nodes are legal while drafting but reported.
type ValidationReport struct {
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationReport) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateGraph checks a flow's relational graph for structural problems.
// Fatal problems (unknown node types, dangling connection endpoints,
// malformed script content) return ErrValidation; advisory findings land
// in the report. strict additionally enforces the publish-time rules:
// entry node present and no duplicate (source, connection_type) pairs.
func ValidateGraph(f *Flow, nodes []Node, connections []Connection, strict bool) (*ValidationReport, error) {
	report := &ValidationReport{}

	byNodeID := make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if !KnownNodeType(n.NodeType) {
			return nil, fmt.Errorf("%w: node %s has unknown type %q", ErrValidation, n.NodeID, n.NodeType)
		}
		if _, dup := byNodeID[n.NodeID]; dup {
			return nil, fmt.Errorf("%w: duplicate node_id %s", ErrValidation, n.NodeID)
		}
		if err := validateNodeContent(n); err != nil {
			return nil, err
		}
		byNodeID[n.NodeID] = n
	}

	seenPair := make(map[string]bool, len(connections))
	referenced := make(map[string]bool, len(nodes))
	for _, c := range connections {
		if _, ok := byNodeID[c.SourceNodeID]; !ok {
			return nil, fmt.Errorf("%w: connection source %s does not exist", ErrValidation, c.SourceNodeID)
		}
		if _, ok := byNodeID[c.TargetNodeID]; !ok {
			return nil, fmt.Errorf("%w: connection target %s does not exist", ErrValidation, c.TargetNodeID)
		}
		referenced[c.SourceNodeID] = true
		referenced[c.TargetNodeID] = true

		pair := c.SourceNodeID + "\x00" + string(c.ConnectionType)
		if seenPair[pair] {
			if strict {
				return nil, fmt.Errorf("%w: duplicate %s connection from node %s", ErrValidation, c.ConnectionType.Token(), c.SourceNodeID)
			}
			report.warnf("duplicate %s connection from node %s", c.ConnectionType.Token(), c.SourceNodeID)
		}
		seenPair[pair] = true
	}

	if strict {
		if f.EntryNodeID == "" {
			return nil, fmt.Errorf("%w: published flow needs an entry node", ErrValidation)
		}
		if _, ok := byNodeID[f.EntryNodeID]; !ok {
			return nil, fmt.Errorf("%w: entry node %s does not exist", ErrValidation, f.EntryNodeID)
		}
	}

	for nodeID := range byNodeID {
		if !referenced[nodeID] && nodeID != f.EntryNodeID {
			report.warnf("node %s is dangling (no connection references it)", nodeID)
		}
	}
	if f.EntryNodeID != "" {
		if _, ok := byNodeID[f.EntryNodeID]; ok {
			for _, nodeID := range unreachableFrom(f.EntryNodeID, byNodeID, connections) {
				report.warnf("node %s is unreachable from the entry node", nodeID)
			}
		}
	}

	return report, nil
}

func validateNodeContent(n *Node) error {
	switch n.NodeType {
	case NodeScript:
		code, ok := n.Content["code"].(string)
		if !ok || code == "" {
			return fmt.Errorf("%w: script node %s has no code", ErrValidation, n.NodeID)
		}
		if lang, ok := n.Content["language"].(string); ok {
			if lang != "javascript" && lang != "typescript" {
				return fmt.Errorf("%w: script node %s has unsupported language %q", ErrValidation, n.NodeID, lang)
			}
		}
		if timeout, ok := n.Content["timeout"]; ok {
			if f, ok := timeout.(float64); !ok || f <= 0 {
				if i, ok := timeout.(int); !ok || i <= 0 {
					return fmt.Errorf("%w: script node %s has non-positive timeout", ErrValidation, n.NodeID)
				}
			}
		}
	case NodeQuestion:
		if variable, ok := n.Content["variable"]; ok {
			if s, isString := variable.(string); !isString || s == "" {
				return fmt.Errorf("%w: question node %s has invalid variable path", ErrValidation, n.NodeID)
			}
		}
	}
	return nil
}

// unreachableFrom walks the graph breadth-first from entry and returns
// node ids never visited. Cycles are legal (loops are a flow feature),
// so this is reachability only, not acyclicity.
func unreachableFrom(entry string, nodes map[string]*Node, connections []Connection) []string {
	adjacency := make(map[string][]string, len(nodes))
	for _, c := range connections {
		adjacency[c.SourceNodeID] = append(adjacency[c.SourceNodeID], c.TargetNodeID)
	}

	visited := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for nodeID := range nodes {
		if !visited[nodeID] {
			unreachable = append(unreachable, nodeID)
		}
	}
	return unreachable
}
