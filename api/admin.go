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
	"flow.evalgo.org/tracing"
)

// TraceService is the audited trace read/erase surface. Implemented by
// tracing.Tracer.
type TraceService interface {
	GetSessionTrace(ctx context.Context, sessionID string, access tracing.AccessInfo) ([]*db.StepRecord, error)
	GetAccessAudit(ctx context.Context, sessionID string, limit int) ([]*db.AuditEntry, error)
	Export(ctx context.Context, sessionID string, access tracing.AccessInfo) (*tracing.TraceExport, error)
	Erase(ctx context.Context, sessionID, requestedBy string) (int64, error)
	Stats() tracing.Stats
}

// SubscriptionStore manages webhook subscriptions. Implemented by
// db.SubscriptionStore.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *flow.EventSubscription) (*flow.EventSubscription, error)
	GetSubscription(ctx context.Context, id string) (*flow.EventSubscription, error)
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]*flow.EventSubscription, error)
	UpdateSubscription(ctx context.Context, id string, patch db.SubscriptionPatch) (*flow.EventSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// TraceResponse wraps a session's recorded steps.
type TraceResponse struct {
	SessionID string           `json:"session_id"`
	Steps     []*db.StepRecord `json:"steps"`
}

// AuditResponse wraps a session's trace access history.
type AuditResponse struct {
	SessionID string           `json:"session_id"`
	Entries   []*db.AuditEntry `json:"entries"`
}

// EraseResponse reports how many rows a GDPR erase removed.
type EraseResponse struct {
	SessionID string `json:"session_id"`
	Deleted   int64  `json:"deleted"`
}

// CreateSubscriptionRequest registers a webhook target.
type CreateSubscriptionRequest struct {
	EventTypes string `json:"event_types"`
	TargetURL  string `json:"target_url"`
	Secret     string `json:"secret,omitempty"`
	IsActive   *bool  `json:"is_active,omitempty"`
}

// UpdateSubscriptionRequest patches a subscription; nil fields stay
// untouched.
type UpdateSubscriptionRequest struct {
	EventTypes *string `json:"event_types"`
	TargetURL  *string `json:"target_url"`
	Secret     *string `json:"secret"`
	IsActive   *bool   `json:"is_active"`
}

// AdminHandlers serves trace reads, the GDPR surface and subscription
// management.
type AdminHandlers struct {
	traces TraceService
	subs   SubscriptionStore
	log    *logrus.Entry
}

// NewAdminHandlers wires the admin surface.
func NewAdminHandlers(traces TraceService, subs SubscriptionStore) *AdminHandlers {
	return &AdminHandlers{
		traces: traces,
		subs:   subs,
		log:    common.ComponentLogger("api.admin"),
	}
}

// GetTrace returns a session's recorded steps. The read itself is
// audited with the caller's identity and origin.
func (h *AdminHandlers) GetTrace(c echo.Context) error {
	sessionID := c.Param("sessionID")
	steps, err := h.traces.GetSessionTrace(c.Request().Context(), sessionID, accessInfo(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TraceResponse{SessionID: sessionID, Steps: steps})
}

// ExportTrace returns the full trace plus its access history, for data
// subject access requests.
func (h *AdminHandlers) ExportTrace(c echo.Context) error {
	export, err := h.traces.Export(c.Request().Context(), c.Param("sessionID"), accessInfo(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, export)
}

// GetAudit returns who read a session's trace data.
func (h *AdminHandlers) GetAudit(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	sessionID := c.Param("sessionID")
	entries, err := h.traces.GetAccessAudit(c.Request().Context(), sessionID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, AuditResponse{SessionID: sessionID, Entries: entries})
}

// EraseTraces removes a session's trace data on a GDPR erasure
// request. The erase itself stays in the audit trail.
func (h *AdminHandlers) EraseTraces(c echo.Context) error {
	requestedBy := ""
	if user, ok := GetUser(c); ok {
		requestedBy = user.ID
	}

	sessionID := c.Param("sessionID")
	deleted, err := h.traces.Erase(c.Request().Context(), sessionID, requestedBy)
	if err != nil {
		return err
	}

	h.log.WithFields(logrus.Fields{
		"session_id":   sessionID,
		"deleted":      deleted,
		"requested_by": requestedBy,
	}).Info("trace data erased")
	return c.JSON(http.StatusOK, EraseResponse{SessionID: sessionID, Deleted: deleted})
}

// TracingStats returns the exporter counters.
func (h *AdminHandlers) TracingStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.traces.Stats())
}

// ListSubscriptions returns webhook subscriptions, optionally only the
// active ones.
func (h *AdminHandlers) ListSubscriptions(c echo.Context) error {
	activeOnly := false
	if v := c.QueryParam("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "active must be a boolean")
		}
		activeOnly = parsed
	}

	subs, err := h.subs.ListSubscriptions(c.Request().Context(), activeOnly)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subs)
}

// CreateSubscription registers a webhook target for matching events.
func (h *AdminHandlers) CreateSubscription(c echo.Context) error {
	var req CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TargetURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target_url is required")
	}
	if req.EventTypes == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event_types is required")
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	created, err := h.subs.CreateSubscription(c.Request().Context(), &flow.EventSubscription{
		EventTypes: req.EventTypes,
		TargetURL:  req.TargetURL,
		Secret:     req.Secret,
		IsActive:   active,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// GetSubscription returns one subscription.
func (h *AdminHandlers) GetSubscription(c echo.Context) error {
	sub, err := h.subs.GetSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

// UpdateSubscription patches a subscription.
func (h *AdminHandlers) UpdateSubscription(c echo.Context) error {
	var req UpdateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	updated, err := h.subs.UpdateSubscription(c.Request().Context(), c.Param("id"), db.SubscriptionPatch{
		EventTypes: req.EventTypes,
		TargetURL:  req.TargetURL,
		Secret:     req.Secret,
		IsActive:   req.IsActive,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteSubscription removes a subscription.
func (h *AdminHandlers) DeleteSubscription(c echo.Context) error {
	if err := h.subs.DeleteSubscription(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// accessInfo captures caller identity and origin for the audit trail.
func accessInfo(c echo.Context) tracing.AccessInfo {
	accessedBy := "anonymous"
	if user, ok := GetUser(c); ok {
		accessedBy = user.ID
	}
	return tracing.AccessInfo{
		AccessedBy: accessedBy,
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	}
}
