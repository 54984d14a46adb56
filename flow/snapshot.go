package flow

// Snapshot projection: flow_data is the denormalized JSON view of a
// flow's graph. After every relational mutation the graph keys of the
// snapshot are rebuilt from the rows; all other snapshot keys survive
// untouched. Flows authored snapshot-first (no relational rows yet) keep
// their flow_data verbatim.

// ProjectSnapshot rebuilds the nodes/connections keys of flow_data from
// relational rows. Idempotent; never mutates its inputs.
func ProjectSnapshot(existing JSONMap, nodes []Node, connections []Connection) JSONMap {
	if len(nodes) == 0 && len(connections) == 0 {
		if existing == nil {
			return JSONMap{}
		}
		return existing
	}

	out := make(JSONMap, len(existing)+2)
	for k, v := range existing {
		if k == "nodes" || k == "connections" {
			continue
		}
		out[k] = v
	}

	projectedNodes := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		projectedNodes = append(projectedNodes, projectNode(n))
	}
	projectedConns := make([]interface{}, 0, len(connections))
	for _, c := range connections {
		projectedConns = append(projectedConns, projectConnection(c))
	}

	out["nodes"] = projectedNodes
	out["connections"] = projectedConns
	return out
}

func projectNode(n Node) map[string]interface{} {
	position := map[string]interface{}{"x": float64(0), "y": float64(0)}
	if len(n.Position) > 0 {
		position = n.Position
	}
	info := map[string]interface{}{}
	if len(n.Info) > 0 {
		info = n.Info
	}
	content := map[string]interface{}{}
	if len(n.Content) > 0 {
		content = n.Content
	}
	projected := map[string]interface{}{
		"node_id":  n.NodeID,
		"type":     string(lowerNodeType(n.NodeType)),
		"content":  content,
		"position": position,
		"info":     info,
	}
	if n.Template != "" {
		projected["template"] = n.Template
	}
	return projected
}

func projectConnection(c Connection) map[string]interface{} {
	conditions := map[string]interface{}{}
	if len(c.Conditions) > 0 {
		conditions = c.Conditions
	}
	return map[string]interface{}{
		"source_node_id":  c.SourceNodeID,
		"target_node_id":  c.TargetNodeID,
		"connection_type": c.ConnectionType.Token(),
		"conditions":      conditions,
	}
}

func lowerNodeType(t NodeType) NodeType {
	out := make([]byte, len(t))
	for i := 0; i < len(t); i++ {
		ch := t[i]
		if ch >= 'A' && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		out[i] = ch
	}
	return NodeType(out)
}

// NodesFromSnapshot materializes Node rows from a snapshot's nodes list,
// the inverse direction used when a flow is created with inline
// flow_data.
func NodesFromSnapshot(flowID string, data JSONMap) []Node {
	raw, ok := data["nodes"].([]interface{})
	if !ok {
		return nil
	}
	nodes := make([]Node, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		node := Node{
			FlowID:   flowID,
			NodeID:   stringField(m, "node_id"),
			NodeType: lowerNodeType(NodeType(stringField(m, "type"))),
		}
		if node.NodeID == "" || node.NodeType == "" {
			continue
		}
		if content, ok := m["content"].(map[string]interface{}); ok {
			node.Content = JSONMap(content)
		}
		if position, ok := m["position"].(map[string]interface{}); ok {
			node.Position = JSONMap(position)
		}
		if info, ok := m["info"].(map[string]interface{}); ok {
			node.Info = JSONMap(info)
		}
		node.Template = stringField(m, "template")
		nodes = append(nodes, node)
	}
	return nodes
}

// ConnectionsFromSnapshot materializes Connection rows from a snapshot's
// connections list. Wire tokens are normalized to the internal enum.
func ConnectionsFromSnapshot(flowID string, data JSONMap) []Connection {
	raw, ok := data["connections"].([]interface{})
	if !ok {
		return nil
	}
	conns := make([]Connection, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		conn := Connection{
			FlowID:         flowID,
			SourceNodeID:   stringField(m, "source_node_id"),
			TargetNodeID:   stringField(m, "target_node_id"),
			ConnectionType: NormalizeConnectionType(stringField(m, "connection_type")),
		}
		if conn.SourceNodeID == "" || conn.TargetNodeID == "" {
			continue
		}
		if conditions, ok := m["conditions"].(map[string]interface{}); ok {
			conn.Conditions = JSONMap(conditions)
		}
		conns = append(conns, conn)
	}
	return conns
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
