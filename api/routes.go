package api

import (
	"github.com/labstack/echo/v4"

	"flow.evalgo.org/security"
)

// Services carries everything the HTTP surface needs.
type Services struct {
	Runtime       Runtime
	Flows         FlowStore
	Traces        TraceService
	Subscriptions SubscriptionStore
	Auth          *Authenticator
	Tokens        *security.TokenService
	CSRFEnabled   bool
}

// RegisterRoutes mounts the chat, authoring and admin route groups.
// Chat accepts anonymous callers; everything under /api/v1 requires
// credentials and the scope the route names.
func RegisterRoutes(e *echo.Echo, svc Services) {
	chat := NewChatHandlers(svc.Runtime, svc.Tokens, svc.CSRFEnabled)
	chatGroup := e.Group("/chat", svc.Auth.Optional())
	chatGroup.POST("/start", chat.Start)
	chatGroup.GET("/sessions/:token", chat.Get)
	chatGroup.POST("/sessions/:token/interact", chat.Interact)
	chatGroup.POST("/sessions/:token/end", chat.End)

	v1 := e.Group("/api/v1", svc.Auth.Required())

	flows := NewFlowHandlers(svc.Flows)
	flowGroup := v1.Group("/flows")
	flowGroup.GET("", flows.List, RequireScope(security.ScopeFlowsRead, security.ScopeAdmin))
	flowGroup.GET("/:id", flows.Get, RequireScope(security.ScopeFlowsRead, security.ScopeAdmin))
	flowGroup.POST("", flows.Create, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.PUT("/:id", flows.Update, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.DELETE("/:id", flows.Delete, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.POST("/:id/publish", flows.Publish, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.POST("/:id/clone", flows.Clone, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.POST("/:id/nodes", flows.AddNode, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.PUT("/:id/nodes/:nodeID", flows.UpdateNode, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.DELETE("/:id/nodes/:nodeID", flows.DeleteNode, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.POST("/:id/connections", flows.AddConnection, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))
	flowGroup.DELETE("/:id/connections", flows.DeleteConnection, RequireScope(security.ScopeFlowsWrite, security.ScopeAdmin))

	admin := NewAdminHandlers(svc.Traces, svc.Subscriptions)
	traceGroup := v1.Group("/traces")
	traceGroup.GET("/:sessionID", admin.GetTrace, RequireScope(security.ScopeTracesRead, security.ScopeAdmin))
	traceGroup.GET("/:sessionID/export", admin.ExportTrace, RequireScope(security.ScopeTracesRead, security.ScopeAdmin))
	traceGroup.GET("/:sessionID/audit", admin.GetAudit, RequireScope(security.ScopeAdmin))

	adminGroup := v1.Group("/admin", RequireScope(security.ScopeAdmin))
	adminGroup.DELETE("/sessions/:sessionID/traces", admin.EraseTraces)
	adminGroup.GET("/tracing/stats", admin.TracingStats)
	adminGroup.GET("/subscriptions", admin.ListSubscriptions)
	adminGroup.POST("/subscriptions", admin.CreateSubscription)
	adminGroup.GET("/subscriptions/:id", admin.GetSubscription)
	adminGroup.PUT("/subscriptions/:id", admin.UpdateSubscription)
	adminGroup.DELETE("/subscriptions/:id", admin.DeleteSubscription)
}
