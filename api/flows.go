package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
	"flow.evalgo.org/flow"
)

// FlowStore is the authoring surface. Implemented by db.FlowStore.
type FlowStore interface {
	CreateFlow(ctx context.Context, f *flow.Flow) (*flow.Flow, error)
	GetFlowWithNodes(ctx context.Context, id string) (*flow.Flow, error)
	ListFlows(ctx context.Context, filter db.FlowFilter) ([]*flow.Flow, error)
	UpdateFlow(ctx context.Context, id string, patch db.FlowPatch) (*flow.Flow, error)
	DeleteFlow(ctx context.Context, id string) error
	PublishFlow(ctx context.Context, id, publisher, newVersion string) (*flow.Flow, error)
	CloneFlow(ctx context.Context, sourceID, newName, newVersion string) (*flow.Flow, error)
	AddNode(ctx context.Context, flowID string, node flow.Node) (*flow.Node, error)
	UpdateNode(ctx context.Context, flowID, nodeID string, patch db.NodePatch) (*flow.Node, error)
	DeleteNode(ctx context.Context, flowID, nodeID string) error
	AddConnection(ctx context.Context, flowID string, conn flow.Connection) (*flow.Connection, error)
	DeleteConnection(ctx context.Context, flowID, sourceNodeID, targetNodeID string, connType flow.ConnectionType) error
}

// UpdateFlowRequest patches flow metadata; nil fields stay untouched.
type UpdateFlowRequest struct {
	Name            *string      `json:"name"`
	EntryNodeID     *string      `json:"entry_node_id"`
	IsActive        *bool        `json:"is_active"`
	FlowData        flow.JSONMap `json:"flow_data"`
	Info            flow.JSONMap `json:"info"`
	Contract        flow.JSONMap `json:"contract"`
	RetentionDays   *int         `json:"retention_days"`
	TraceEnabled    *bool        `json:"trace_enabled"`
	TraceSampleRate *int         `json:"trace_sample_rate"`
}

// PublishFlowRequest optionally bumps the version on publish.
type PublishFlowRequest struct {
	Version string `json:"version,omitempty"`
}

// CloneFlowRequest names the copy.
type CloneFlowRequest struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// UpdateNodeRequest patches a node; nil fields stay untouched.
type UpdateNodeRequest struct {
	NodeType *flow.NodeType `json:"node_type"`
	Content  flow.JSONMap   `json:"content"`
	Template *string        `json:"template"`
	Position flow.JSONMap   `json:"position"`
	Info     flow.JSONMap   `json:"info"`
}

// FlowHandlers serves the authoring API.
type FlowHandlers struct {
	store FlowStore
	log   *logrus.Entry
}

// NewFlowHandlers wires the authoring surface.
func NewFlowHandlers(store FlowStore) *FlowHandlers {
	return &FlowHandlers{store: store, log: common.ComponentLogger("api.flows")}
}

// List returns flows matching the name/published/active query filters.
func (h *FlowHandlers) List(c echo.Context) error {
	filter := db.FlowFilter{Name: c.QueryParam("name")}

	if v := c.QueryParam("published"); v != "" {
		published, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "published must be a boolean")
		}
		filter.Published = &published
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "active must be a boolean")
		}
		filter.Active = &active
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if v := c.QueryParam("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	flows, err := h.store.ListFlows(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flows)
}

// Get returns one flow with its nodes and connections.
func (h *FlowHandlers) Get(c echo.Context) error {
	f, err := h.store.GetFlowWithNodes(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

// Create stores a new draft flow. Publication state is server-managed
// and stripped from the request.
func (h *FlowHandlers) Create(c echo.Context) error {
	var f flow.Flow
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f.ID = ""
	f.IsPublished = false
	f.PublishedAt = nil
	f.PublishedBy = ""

	created, err := h.store.CreateFlow(c.Request().Context(), &f)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{"flow_id": created.ID, "name": created.Name}).Info("flow created")
	return c.JSON(http.StatusCreated, created)
}

// Update patches flow metadata.
func (h *FlowHandlers) Update(c echo.Context) error {
	var req UpdateFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	updated, err := h.store.UpdateFlow(c.Request().Context(), c.Param("id"), db.FlowPatch{
		Name:            req.Name,
		EntryNodeID:     req.EntryNodeID,
		IsActive:        req.IsActive,
		FlowData:        req.FlowData,
		Info:            req.Info,
		Contract:        req.Contract,
		RetentionDays:   req.RetentionDays,
		TraceEnabled:    req.TraceEnabled,
		TraceSampleRate: req.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// Delete removes a flow and everything hanging off it.
func (h *FlowHandlers) Delete(c echo.Context) error {
	if err := h.store.DeleteFlow(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Publish validates the graph and makes the flow runnable. The
// publisher is the authenticated caller, never request data.
func (h *FlowHandlers) Publish(c echo.Context) error {
	var req PublishFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	publisher := ""
	if user, ok := GetUser(c); ok {
		publisher = user.ID
	}

	published, err := h.store.PublishFlow(c.Request().Context(), c.Param("id"), publisher, req.Version)
	if err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"flow_id":   published.ID,
		"version":   published.Version,
		"publisher": publisher,
	}).Info("flow published")
	return c.JSON(http.StatusOK, published)
}

// Clone copies a flow into a new unpublished draft.
func (h *FlowHandlers) Clone(c echo.Context) error {
	var req CloneFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	clone, err := h.store.CloneFlow(c.Request().Context(), c.Param("id"), req.Name, req.Version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, clone)
}

// AddNode appends a node to a flow.
func (h *FlowHandlers) AddNode(c echo.Context) error {
	var node flow.Node
	if err := c.Bind(&node); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	created, err := h.store.AddNode(c.Request().Context(), c.Param("id"), node)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// UpdateNode patches a node.
func (h *FlowHandlers) UpdateNode(c echo.Context) error {
	var req UpdateNodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	updated, err := h.store.UpdateNode(c.Request().Context(), c.Param("id"), c.Param("nodeID"), db.NodePatch{
		NodeType: req.NodeType,
		Content:  req.Content,
		Template: req.Template,
		Position: req.Position,
		Info:     req.Info,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteNode removes a node and its connections.
func (h *FlowHandlers) DeleteNode(c echo.Context) error {
	if err := h.store.DeleteNode(c.Request().Context(), c.Param("id"), c.Param("nodeID")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AddConnection links two nodes.
func (h *FlowHandlers) AddConnection(c echo.Context) error {
	var conn flow.Connection
	if err := c.Bind(&conn); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	created, err := h.store.AddConnection(c.Request().Context(), c.Param("id"), conn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// DeleteConnection removes the edge named by the source, target and
// type query parameters.
func (h *FlowHandlers) DeleteConnection(c echo.Context) error {
	source := c.QueryParam("source")
	target := c.QueryParam("target")
	connType := c.QueryParam("type")
	if source == "" || target == "" || connType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source, target and type query parameters are required")
	}

	err := h.store.DeleteConnection(c.Request().Context(), c.Param("id"), source, target, flow.ConnectionType(connType))
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
