package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flow.evalgo.org/common"
	"flow.evalgo.org/events"
	"flow.evalgo.org/flow"
)

// FlowStore persists flow definitions. The relational tables are the
// source of truth for the graph; flow_data is a projection rebuilt after
// every graph mutation inside the same transaction.
type FlowStore struct {
	gdb     *gorm.DB
	channel string
	log     *logrus.Entry
}

// NewFlowStore creates a flow store publishing events on notifyChannel.
func NewFlowStore(gdb *gorm.DB, notifyChannel string) *FlowStore {
	if notifyChannel == "" {
		notifyChannel = events.DefaultChannel
	}
	return &FlowStore{
		gdb:     gdb,
		channel: notifyChannel,
		log:     common.ComponentLogger("flow-store"),
	}
}

// FlowPatch carries the mutable non-graph fields of a flow. Nil pointers
// leave the stored value untouched.
type FlowPatch struct {
	Name            *string
	EntryNodeID     *string
	IsActive        *bool
	FlowData        flow.JSONMap
	Info            flow.JSONMap
	Contract        flow.JSONMap
	RetentionDays   *int
	TraceEnabled    *bool
	TraceSampleRate *int
}

// FlowFilter narrows ListFlows.
type FlowFilter struct {
	Name      string
	Published *bool
	Active    *bool
	Limit     int
	Offset    int
}

// CreateFlow persists a new flow. When flow_data carries nodes or
// connections they are materialized into the relational tables and the
// snapshot is rebuilt, all in one transaction.
func (s *FlowStore) CreateFlow(ctx context.Context, f *flow.Flow) (*flow.Flow, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("flow name is required: %w", flow.ErrValidation)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Version == "" {
		f.Version = "1.0.0"
	}
	if f.FlowData == nil {
		f.FlowData = flow.JSONMap{}
	}
	f.IsPublished = false
	f.IsActive = true

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(f).Error; err != nil {
			return fmt.Errorf("failed to create flow: %w", err)
		}

		nodes := flow.NodesFromSnapshot(f.ID, f.FlowData)
		conns := flow.ConnectionsFromSnapshot(f.ID, f.FlowData)
		if len(nodes) > 0 {
			if err := tx.Create(&nodes).Error; err != nil {
				return fmt.Errorf("failed to materialize nodes: %w", err)
			}
		}
		if len(conns) > 0 {
			if err := tx.Create(&conns).Error; err != nil {
				return fmt.Errorf("failed to materialize connections: %w", err)
			}
		}

		if f.EntryNodeID == "" {
			for _, n := range nodes {
				if n.NodeType == flow.NodeStart {
					f.EntryNodeID = n.NodeID
					break
				}
			}
			if f.EntryNodeID != "" {
				if err := tx.Model(&flow.Flow{}).Where("id = ?", f.ID).
					Update("entry_node_id", f.EntryNodeID).Error; err != nil {
					return fmt.Errorf("failed to set entry node: %w", err)
				}
			}
		}

		if err := s.syncSnapshot(tx, f); err != nil {
			return err
		}
		return s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{"action": "created"})
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFlow loads a flow without its graph rows.
func (s *FlowStore) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	var f flow.Flow
	err := s.gdb.WithContext(ctx).First(&f, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("flow %s: %w", id, flow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	return &f, nil
}

// GetFlowWithNodes loads a flow with nodes and connections eagerly, in
// stable insertion order.
func (s *FlowStore) GetFlowWithNodes(ctx context.Context, id string) (*flow.Flow, error) {
	var f flow.Flow
	err := s.gdb.WithContext(ctx).
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("flow_nodes.id ASC") }).
		Preload("Connections", func(db *gorm.DB) *gorm.DB { return db.Order("flow_connections.id ASC") }).
		First(&f, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("flow %s: %w", id, flow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow graph: %w", err)
	}
	return &f, nil
}

// FindPublishedFlows returns all active published flows ordered by name.
func (s *FlowStore) FindPublishedFlows(ctx context.Context) ([]*flow.Flow, error) {
	var flows []*flow.Flow
	err := s.gdb.WithContext(ctx).
		Where("is_published = ? AND is_active = ?", true, true).
		Order("name ASC").
		Find(&flows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list published flows: %w", err)
	}
	return flows, nil
}

// ListFlows returns flows matching the filter, newest first.
func (s *FlowStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*flow.Flow, error) {
	q := s.gdb.WithContext(ctx).Model(&flow.Flow{})
	if filter.Name != "" {
		q = q.Where("name ILIKE ?", "%"+filter.Name+"%")
	}
	if filter.Published != nil {
		q = q.Where("is_published = ?", *filter.Published)
	}
	if filter.Active != nil {
		q = q.Where("is_active = ?", *filter.Active)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var flows []*flow.Flow
	if err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&flows).Error; err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	return flows, nil
}

// UpdateFlow patches non-graph fields and re-synchronizes the snapshot.
func (s *FlowStore) UpdateFlow(ctx context.Context, id string, patch FlowPatch) (*flow.Flow, error) {
	var updated *flow.Flow
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, id)
		if err != nil {
			return err
		}

		changes := map[string]interface{}{}
		if patch.Name != nil {
			changes["name"] = *patch.Name
		}
		if patch.EntryNodeID != nil {
			changes["entry_node_id"] = *patch.EntryNodeID
		}
		if patch.IsActive != nil {
			changes["is_active"] = *patch.IsActive
		}
		if patch.FlowData != nil {
			changes["flow_data"] = patch.FlowData
			f.FlowData = patch.FlowData
		}
		if patch.Info != nil {
			changes["info"] = patch.Info
		}
		if patch.Contract != nil {
			changes["contract"] = patch.Contract
		}
		if patch.RetentionDays != nil {
			changes["retention_days"] = *patch.RetentionDays
		}
		if patch.TraceEnabled != nil {
			changes["trace_enabled"] = *patch.TraceEnabled
		}
		if patch.TraceSampleRate != nil {
			changes["trace_sample_rate"] = *patch.TraceSampleRate
		}
		if len(changes) > 0 {
			if err := tx.Model(&flow.Flow{}).Where("id = ?", id).Updates(changes).Error; err != nil {
				return fmt.Errorf("failed to update flow: %w", err)
			}
		}

		if err := s.syncSnapshot(tx, f); err != nil {
			return err
		}
		if err := s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{"action": "updated"}); err != nil {
			return err
		}

		updated, err = loadFlowTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddNode inserts a node, rebuilds the snapshot and emits flow_updated.
func (s *FlowStore) AddNode(ctx context.Context, flowID string, node flow.Node) (*flow.Node, error) {
	if node.NodeID == "" {
		return nil, fmt.Errorf("node_id is required: %w", flow.ErrValidation)
	}
	if !flow.KnownNodeType(node.NodeType) {
		return nil, fmt.Errorf("unknown node type %q: %w", node.NodeType, flow.ErrValidation)
	}
	node.ID = 0
	node.FlowID = flowID

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, flowID)
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&flow.Node{}).
			Where("flow_id = ? AND node_id = ?", flowID, node.NodeID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check node uniqueness: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("node %s already exists in flow %s: %w", node.NodeID, flowID, flow.ErrConflict)
		}

		if err := tx.Create(&node).Error; err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}

		if f.EntryNodeID == "" && node.NodeType == flow.NodeStart {
			f.EntryNodeID = node.NodeID
			if err := tx.Model(&flow.Flow{}).Where("id = ?", flowID).
				Update("entry_node_id", node.NodeID).Error; err != nil {
				return fmt.Errorf("failed to set entry node: %w", err)
			}
		}

		if err := s.syncSnapshot(tx, f); err != nil {
			return err
		}
		return s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{
			"action":  "node_added",
			"node_id": node.NodeID,
		})
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// NodePatch carries the mutable fields of a node.
type NodePatch struct {
	NodeType *flow.NodeType
	Content  flow.JSONMap
	Template *string
	Position flow.JSONMap
	Info     flow.JSONMap
}

// UpdateNode patches a node, rebuilds the snapshot and emits
// flow_updated.
func (s *FlowStore) UpdateNode(ctx context.Context, flowID, nodeID string, patch NodePatch) (*flow.Node, error) {
	var node flow.Node
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, flowID)
		if err != nil {
			return err
		}

		err = tx.Where("flow_id = ? AND node_id = ?", flowID, nodeID).First(&node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("node %s in flow %s: %w", nodeID, flowID, flow.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load node: %w", err)
		}

		changes := map[string]interface{}{}
		if patch.NodeType != nil {
			if !flow.KnownNodeType(*patch.NodeType) {
				return fmt.Errorf("unknown node type %q: %w", *patch.NodeType, flow.ErrValidation)
			}
			changes["node_type"] = *patch.NodeType
		}
		if patch.Content != nil {
			changes["content"] = patch.Content
		}
		if patch.Template != nil {
			changes["template"] = *patch.Template
		}
		if patch.Position != nil {
			changes["position"] = patch.Position
		}
		if patch.Info != nil {
			changes["info"] = patch.Info
		}
		if len(changes) > 0 {
			if err := tx.Model(&node).Updates(changes).Error; err != nil {
				return fmt.Errorf("failed to update node: %w", err)
			}
		}

		if err := s.syncSnapshot(tx, f); err != nil {
			return err
		}
		return s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{
			"action":  "node_updated",
			"node_id": nodeID,
		})
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// DeleteNode removes a node and every connection attached to it, then
// rebuilds the snapshot.
func (s *FlowStore) DeleteNode(ctx context.Context, flowID, nodeID string) error {
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, flowID)
		if err != nil {
			return err
		}

		result := tx.Where("flow_id = ? AND node_id = ?", flowID, nodeID).Delete(&flow.Node{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete node: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("node %s in flow %s: %w", nodeID, flowID, flow.ErrNotFound)
		}

		if err := tx.Where("flow_id = ? AND (source_node_id = ? OR target_node_id = ?)",
			flowID, nodeID, nodeID).Delete(&flow.Connection{}).Error; err != nil {
			return fmt.Errorf("failed to delete attached connections: %w", err)
		}

		if err := s.syncSnapshot(tx, f); err != nil {
			return err
		}
		return s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{
			"action":  "node_removed",
			"node_id": nodeID,
		})
	})
}

// AddConnection inserts an edge after checking both endpoints exist.
func (s *FlowStore) AddConnection(ctx context.Context, flowID string, conn flow.Connection) (*flow.Connection, error) {
	if conn.SourceNodeID == "" || conn.TargetNodeID == "" {
		return nil, fmt.Errorf("source and target node ids are required: %w", flow.ErrValidation)
	}
	if conn.ConnectionType == "" {
		conn.ConnectionType = flow.ConnectionDefault
	}
	conn.ID = 0
	conn.FlowID = flowID

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, flowID)
		if err != nil {
			return err
		}

		for _, nodeID := range []string{conn.SourceNodeID, conn.TargetNodeID} {
			var count int64
			if err := tx.Model(&flow.Node{}).
				Where("flow_id = ? AND node_id = ?", flowID, nodeID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check connection endpoint: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("connection endpoint %s does not exist in flow %s: %w",
					nodeID, flowID, flow.ErrIntegrity)
			}
		}

		var dup int64
		if err := tx.Model(&flow.Connection{}).
			Where("flow_id = ? AND source_node_id = ? AND target_node_id = ? AND connection_type = ?",
				flowID, conn.SourceNodeID, conn.TargetNodeID, conn.ConnectionType).
			Count(&dup).Error; err != nil {
			return fmt.Errorf("failed to check connection uniqueness: %w", err)
		}
		if dup > 0 {
			return fmt.Errorf("connection %s -> %s (%s) already exists: %w",
				conn.SourceNodeID, conn.TargetNodeID, conn.ConnectionType, flow.ErrConflict)
		}

		if err := tx.Create(&conn).Error; err != nil {
			return fmt.Errorf("failed to create connection: %w", err)
		}

		if err := s.syncSnapshot(tx, f); err != nil {
			return err
		}
		return s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{
			"action": "connection_added",
			"source": conn.SourceNodeID,
			"target": conn.TargetNodeID,
		})
	})
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// DeleteConnection removes the edge identified by its full tuple.
func (s *FlowStore) DeleteConnection(ctx context.Context, flowID, sourceNodeID, targetNodeID string, connType flow.ConnectionType) error {
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, flowID)
		if err != nil {
			return err
		}

		result := tx.Where("flow_id = ? AND source_node_id = ? AND target_node_id = ? AND connection_type = ?",
			flowID, sourceNodeID, targetNodeID, connType).Delete(&flow.Connection{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete connection: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("connection %s -> %s (%s) in flow %s: %w",
				sourceNodeID, targetNodeID, connType, flowID, flow.ErrNotFound)
		}

		if err := s.syncSnapshot(tx, f); err != nil {
			return err
		}
		return s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{
			"action": "connection_removed",
			"source": sourceNodeID,
			"target": targetNodeID,
		})
	})
}

// PublishFlow validates the graph strictly, bumps the version and marks
// the flow published. An explicit newVersion overrides the minor bump.
func (s *FlowStore) PublishFlow(ctx context.Context, id, publisher, newVersion string) (*flow.Flow, error) {
	var published *flow.Flow
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, id)
		if err != nil {
			return err
		}

		var nodes []flow.Node
		if err := tx.Where("flow_id = ?", id).Order("id ASC").Find(&nodes).Error; err != nil {
			return fmt.Errorf("failed to load nodes: %w", err)
		}
		var conns []flow.Connection
		if err := tx.Where("flow_id = ?", id).Order("id ASC").Find(&conns).Error; err != nil {
			return fmt.Errorf("failed to load connections: %w", err)
		}

		if _, err := flow.ValidateGraph(f, nodes, conns, true); err != nil {
			return fmt.Errorf("flow %s failed publish validation: %w", id, err)
		}

		version := newVersion
		if version == "" {
			version = flow.BumpMinor(f.Version)
		}
		now := time.Now()

		changes := map[string]interface{}{
			"is_published": true,
			"version":      version,
			"published_at": now,
			"published_by": publisher,
		}
		if err := tx.Model(&flow.Flow{}).Where("id = ?", id).Updates(changes).Error; err != nil {
			return fmt.Errorf("failed to publish flow: %w", err)
		}
		f.IsPublished = true
		f.Version = version
		f.PublishedAt = &now
		f.PublishedBy = publisher

		if err := s.emitFlowEvent(tx, events.TypeFlowPublished, f, map[string]interface{}{
			"version": version,
		}); err != nil {
			return err
		}

		s.log.WithFields(logrus.Fields{
			"flow_id": id,
			"version": version,
		}).Info("flow published")
		published = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// CloneFlow copies a flow's graph into a new flow. Nodes and connections
// get fresh primary keys while node_id strings are preserved, so
// connections stay valid in the clone. Rolls back entirely on failure.
func (s *FlowStore) CloneFlow(ctx context.Context, sourceID, newName, newVersion string) (*flow.Flow, error) {
	if newName == "" {
		return nil, fmt.Errorf("clone name is required: %w", flow.ErrValidation)
	}
	if newVersion == "" {
		newVersion = "1.0.0"
	}

	var clone *flow.Flow
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := loadFlowTx(tx, sourceID)
		if err != nil {
			return err
		}
		var nodes []flow.Node
		if err := tx.Where("flow_id = ?", sourceID).Order("id ASC").Find(&nodes).Error; err != nil {
			return fmt.Errorf("failed to load source nodes: %w", err)
		}
		var conns []flow.Connection
		if err := tx.Where("flow_id = ?", sourceID).Order("id ASC").Find(&conns).Error; err != nil {
			return fmt.Errorf("failed to load source connections: %w", err)
		}

		clone = &flow.Flow{
			ID:              uuid.NewString(),
			Name:            newName,
			Version:         newVersion,
			EntryNodeID:     source.EntryNodeID,
			IsPublished:     false,
			IsActive:        true,
			FlowData:        source.FlowData,
			Info:            source.Info,
			Contract:        source.Contract,
			RetentionDays:   source.RetentionDays,
			TraceEnabled:    source.TraceEnabled,
			TraceSampleRate: source.TraceSampleRate,
		}
		if err := tx.Create(clone).Error; err != nil {
			return fmt.Errorf("failed to create flow clone: %w", err)
		}

		if len(nodes) > 0 {
			copies := make([]flow.Node, len(nodes))
			for i, n := range nodes {
				n.ID = 0
				n.FlowID = clone.ID
				copies[i] = n
			}
			if err := tx.Create(&copies).Error; err != nil {
				return fmt.Errorf("failed to copy nodes: %w", err)
			}
		}
		if len(conns) > 0 {
			copies := make([]flow.Connection, len(conns))
			for i, c := range conns {
				c.ID = 0
				c.FlowID = clone.ID
				copies[i] = c
			}
			if err := tx.Create(&copies).Error; err != nil {
				return fmt.Errorf("failed to copy connections: %w", err)
			}
		}

		if err := s.syncSnapshot(tx, clone); err != nil {
			return err
		}
		return s.emitFlowEvent(tx, events.TypeFlowUpdated, clone, map[string]interface{}{
			"action":    "cloned",
			"source_id": sourceID,
		})
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// DeleteFlow removes a flow; graph rows and sessions cascade.
func (s *FlowStore) DeleteFlow(ctx context.Context, id string) error {
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := loadFlowTx(tx, id)
		if err != nil {
			return err
		}

		if err := s.emitFlowEvent(tx, events.TypeFlowUpdated, f, map[string]interface{}{
			"action": "deleted",
		}); err != nil {
			return err
		}

		result := tx.Delete(&flow.Flow{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete flow: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("flow %s: %w", id, flow.ErrNotFound)
		}
		return nil
	})
}

// syncSnapshot rebuilds flow_data's graph keys from the relational rows.
// Flows without relational rows keep their snapshot verbatim.
func (s *FlowStore) syncSnapshot(tx *gorm.DB, f *flow.Flow) error {
	var nodes []flow.Node
	if err := tx.Where("flow_id = ?", f.ID).Order("id ASC").Find(&nodes).Error; err != nil {
		return fmt.Errorf("failed to load nodes for snapshot: %w", err)
	}
	var conns []flow.Connection
	if err := tx.Where("flow_id = ?", f.ID).Order("id ASC").Find(&conns).Error; err != nil {
		return fmt.Errorf("failed to load connections for snapshot: %w", err)
	}

	projected := flow.ProjectSnapshot(f.FlowData, nodes, conns)
	if err := tx.Model(&flow.Flow{}).Where("id = ?", f.ID).
		Update("flow_data", projected).Error; err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	f.FlowData = projected
	return nil
}

// emitFlowEvent writes the event to the outbox and notifies listeners
// within the surrounding transaction.
func (s *FlowStore) emitFlowEvent(tx *gorm.DB, eventType string, f *flow.Flow, details map[string]interface{}) error {
	event := events.New(eventType)
	event.FlowID = f.ID
	event.Details = details

	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal flow event: %w", err)
	}
	if err := tx.Exec(`INSERT INTO event_outbox (event_type, payload, destination, priority) VALUES (?, ?::jsonb, ?, ?)`,
		event.Type, string(payload), s.channel, "normal").Error; err != nil {
		return fmt.Errorf("failed to enqueue flow event: %w", err)
	}
	if err := tx.Exec(`SELECT pg_notify(?, ?)`, s.channel, string(payload)).Error; err != nil {
		return fmt.Errorf("failed to notify flow event: %w", err)
	}
	return nil
}

func loadFlowTx(tx *gorm.DB, id string) (*flow.Flow, error) {
	var f flow.Flow
	err := tx.First(&f, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("flow %s: %w", id, flow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	return &f, nil
}
