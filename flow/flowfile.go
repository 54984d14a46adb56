package flow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// File is the YAML representation of a complete flow definition, the
// format the CLI imports and exports. Node content and connection
// conditions are free-form maps, exactly as stored.
type File struct {
	ID              string                 `yaml:"id,omitempty"`
	Name            string                 `yaml:"name"`
	Version         string                 `yaml:"version,omitempty"`
	EntryNodeID     string                 `yaml:"entry_node_id,omitempty"`
	Info            map[string]interface{} `yaml:"info,omitempty"`
	Contract        map[string]interface{} `yaml:"contract,omitempty"`
	RetentionDays   int                    `yaml:"retention_days,omitempty"`
	TraceEnabled    bool                   `yaml:"trace_enabled,omitempty"`
	TraceSampleRate int                    `yaml:"trace_sample_rate,omitempty"`
	Nodes           []FileNode             `yaml:"nodes"`
	Connections     []FileConnection       `yaml:"connections,omitempty"`
}

// FileNode is one node in a flow file.
type FileNode struct {
	NodeID   string                 `yaml:"node_id"`
	Type     string                 `yaml:"type"`
	Content  map[string]interface{} `yaml:"content,omitempty"`
	Template string                 `yaml:"template,omitempty"`
	Position map[string]interface{} `yaml:"position,omitempty"`
	Info     map[string]interface{} `yaml:"info,omitempty"`
}

// FileConnection is one edge in a flow file. Type takes the wire token
// (DEFAULT, SUCCESS, FAILURE, $0, ...).
type FileConnection struct {
	Source     string                 `yaml:"source"`
	Target     string                 `yaml:"target"`
	Type       string                 `yaml:"type,omitempty"`
	Conditions map[string]interface{} `yaml:"conditions,omitempty"`
}

// ParseFile decodes and sanity-checks a YAML flow definition.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse flow file: %w", err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("%w: flow file needs a name", ErrValidation)
	}
	if len(f.Nodes) == 0 {
		return nil, fmt.Errorf("%w: flow file has no nodes", ErrValidation)
	}
	for i, n := range f.Nodes {
		if n.NodeID == "" {
			return nil, fmt.Errorf("%w: node %d has no node_id", ErrValidation, i)
		}
		if !KnownNodeType(lowerNodeType(NodeType(n.Type))) {
			return nil, fmt.Errorf("%w: node %s has unknown type %q", ErrValidation, n.NodeID, n.Type)
		}
	}
	return &f, nil
}

// Marshal renders the file back to YAML.
func (f *File) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal flow file: %w", err)
	}
	return data, nil
}

// Materialize converts the file into a Flow with relational Node and
// Connection rows attached, ready for the flow store.
func (f *File) Materialize() *Flow {
	out := &Flow{
		ID:              f.ID,
		Name:            f.Name,
		Version:         f.Version,
		EntryNodeID:     f.EntryNodeID,
		IsActive:        true,
		Info:            JSONMap(f.Info),
		Contract:        JSONMap(f.Contract),
		RetentionDays:   f.RetentionDays,
		TraceEnabled:    f.TraceEnabled,
		TraceSampleRate: f.TraceSampleRate,
	}
	if out.Version == "" {
		out.Version = "1.0.0"
	}
	if out.RetentionDays == 0 {
		out.RetentionDays = 30
	}
	for _, fn := range f.Nodes {
		out.Nodes = append(out.Nodes, Node{
			NodeID:   fn.NodeID,
			NodeType: lowerNodeType(NodeType(fn.Type)),
			Content:  JSONMap(fn.Content),
			Template: fn.Template,
			Position: JSONMap(fn.Position),
			Info:     JSONMap(fn.Info),
		})
	}
	for _, fc := range f.Connections {
		out.Connections = append(out.Connections, Connection{
			SourceNodeID:   fc.Source,
			TargetNodeID:   fc.Target,
			ConnectionType: NormalizeConnectionType(fc.Type),
			Conditions:     JSONMap(fc.Conditions),
		})
	}
	return out
}

// FileFromFlow builds the exportable YAML form of a flow and its rows.
func FileFromFlow(f *Flow) *File {
	out := &File{
		ID:              f.ID,
		Name:            f.Name,
		Version:         f.Version,
		EntryNodeID:     f.EntryNodeID,
		Info:            f.Info,
		Contract:        f.Contract,
		RetentionDays:   f.RetentionDays,
		TraceEnabled:    f.TraceEnabled,
		TraceSampleRate: f.TraceSampleRate,
	}
	for _, n := range f.Nodes {
		out.Nodes = append(out.Nodes, FileNode{
			NodeID:   n.NodeID,
			Type:     string(n.NodeType),
			Content:  n.Content,
			Template: n.Template,
			Position: n.Position,
			Info:     n.Info,
		})
	}
	for _, c := range f.Connections {
		out.Connections = append(out.Connections, FileConnection{
			Source:     c.SourceNodeID,
			Target:     c.TargetNodeID,
			Type:       c.ConnectionType.Token(),
			Conditions: c.Conditions,
		})
	}
	return out
}
