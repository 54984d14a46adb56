package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/engine"
	"flow.evalgo.org/flow"
	"flow.evalgo.org/security"
)

// HeaderCSRFToken carries the double-submit token for anonymous
// session mutations.
const HeaderCSRFToken = "X-CSRF-Token"

// Runtime drives chat sessions. Implemented by engine.Runtime.
type Runtime interface {
	StartSession(ctx context.Context, req engine.StartRequest) (*engine.TickOutcome, error)
	Interact(ctx context.Context, token string, value interface{}, inputType string) (*engine.TickOutcome, error)
	Terminate(ctx context.Context, token string, status flow.SessionStatus) (*flow.Session, error)
	GetSession(ctx context.Context, token string) (*flow.Session, error)
}

// StartChatRequest creates a session on a published flow.
type StartChatRequest struct {
	FlowID       string                 `json:"flow_id"`
	UserID       string                 `json:"user_id,omitempty"`
	Channel      string                 `json:"channel,omitempty"`
	InitialState map[string]interface{} `json:"initial_state,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// InteractRequest submits user input to a waiting session.
type InteractRequest struct {
	Input     interface{} `json:"input"`
	InputType string      `json:"input_type,omitempty"`
}

// EndChatRequest optionally names the terminal status.
type EndChatRequest struct {
	Status string `json:"status,omitempty"`
}

// ChatResponse is what start and interact return: where the session
// stands and what the flow emitted during the tick.
type ChatResponse struct {
	SessionID    string             `json:"session_id"`
	SessionToken string             `json:"session_token,omitempty"`
	Status       flow.SessionStatus `json:"status"`
	NextNode     string             `json:"next_node,omitempty"`
	Messages     []engine.Emission  `json:"messages,omitempty"`
	ExpectsInput bool               `json:"expects_input"`
	InputType    string             `json:"input_type,omitempty"`
	CSRFToken    string             `json:"csrf_token,omitempty"`
}

// SessionView is the read model for GET and end responses.
type SessionView struct {
	SessionID      string                 `json:"session_id"`
	FlowID         string                 `json:"flow_id"`
	UserID         string                 `json:"user_id,omitempty"`
	Channel        string                 `json:"channel,omitempty"`
	Status         flow.SessionStatus     `json:"status"`
	CurrentNode    string                 `json:"current_node"`
	State          map[string]interface{} `json:"state"`
	Revision       int64                  `json:"revision"`
	StartedAt      time.Time              `json:"started_at"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
}

// ChatHandlers serves the conversation surface. Sessions are
// capability-addressed by their token; sessions bound to a user
// additionally require the owner's credentials.
type ChatHandlers struct {
	runtime Runtime
	tokens  *security.TokenService
	csrf    bool
	log     *logrus.Entry
}

// NewChatHandlers wires the chat surface. When csrfEnabled is set,
// anonymous mutations must present the double-submit token issued at
// start.
func NewChatHandlers(runtime Runtime, tokens *security.TokenService, csrfEnabled bool) *ChatHandlers {
	return &ChatHandlers{
		runtime: runtime,
		tokens:  tokens,
		csrf:    csrfEnabled,
		log:     common.ComponentLogger("api.chat"),
	}
}

// Start creates a session and runs the flow until it suspends.
// Anonymous callers may not claim a user_id, authenticated callers may
// only claim their own.
func (h *ChatHandlers) Start(c echo.Context) error {
	var req StartChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.FlowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "flow_id is required")
	}

	caller, authenticated := GetUser(c)
	if req.UserID != "" {
		if !authenticated {
			return echo.NewHTTPError(http.StatusForbidden, "anonymous callers cannot set user_id")
		}
		if req.UserID != caller.ID {
			return echo.NewHTTPError(http.StatusForbidden, "user_id does not match the authenticated caller")
		}
	}
	userID := ""
	if authenticated {
		userID = caller.ID
	}

	outcome, err := h.runtime.StartSession(c.Request().Context(), engine.StartRequest{
		FlowID:       req.FlowID,
		UserID:       userID,
		Channel:      req.Channel,
		InitialState: req.InitialState,
		Context:      req.Context,
	})
	if err != nil {
		return err
	}

	resp := outcomeResponse(outcome)
	resp.SessionToken = outcome.Session.SessionToken
	if h.csrf && !authenticated {
		csrf, err := h.tokens.IssueCSRF(outcome.Session.SessionToken)
		if err != nil {
			return fmt.Errorf("failed to issue csrf token: %w", err)
		}
		resp.CSRFToken = csrf
	}

	h.log.WithFields(logrus.Fields{
		"session_id": outcome.Session.ID,
		"flow_id":    req.FlowID,
		"anonymous":  !authenticated,
	}).Info("session started")
	return c.JSON(http.StatusCreated, resp)
}

// Interact feeds input to a suspended session and returns what the
// flow produced.
func (h *ChatHandlers) Interact(c echo.Context) error {
	var req InteractRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	token := c.Param("token")
	session, err := h.runtime.GetSession(c.Request().Context(), token)
	if err != nil {
		return err
	}
	if err := h.authorizeAccess(c, session); err != nil {
		return err
	}
	if err := h.checkCSRF(c, token); err != nil {
		return err
	}

	outcome, err := h.runtime.Interact(c.Request().Context(), token, req.Input, req.InputType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcomeResponse(outcome))
}

// Get returns the session's status, state and position.
func (h *ChatHandlers) Get(c echo.Context) error {
	session, err := h.runtime.GetSession(c.Request().Context(), c.Param("token"))
	if err != nil {
		return err
	}
	if err := h.authorizeAccess(c, session); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionView(session))
}

// End terminates the session. Without a status in the body it ends as
// ABANDONED; COMPLETED is accepted for clients that close cleanly.
func (h *ChatHandlers) End(c echo.Context) error {
	var req EndChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var status flow.SessionStatus
	switch req.Status {
	case "":
		// Terminate defaults to ABANDONED.
	case string(flow.SessionCompleted):
		status = flow.SessionCompleted
	case string(flow.SessionAbandoned):
		status = flow.SessionAbandoned
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be COMPLETED or ABANDONED")
	}

	token := c.Param("token")
	session, err := h.runtime.GetSession(c.Request().Context(), token)
	if err != nil {
		return err
	}
	if err := h.authorizeAccess(c, session); err != nil {
		return err
	}
	if err := h.checkCSRF(c, token); err != nil {
		return err
	}

	ended, err := h.runtime.Terminate(c.Request().Context(), token, status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionView(ended))
}

// authorizeAccess enforces session ownership. Anonymous sessions are
// addressed purely by token possession; user-bound sessions require
// the owner or an admin.
func (h *ChatHandlers) authorizeAccess(c echo.Context, session *flow.Session) error {
	if session.UserID == "" {
		return nil
	}
	caller, ok := GetUser(c)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "session belongs to a user")
	}
	if caller.ID != session.UserID && !caller.HasScope(security.ScopeAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "session belongs to another user")
	}
	return nil
}

// checkCSRF verifies the double-submit token on anonymous mutations.
// Authenticated callers prove themselves per request and are exempt.
func (h *ChatHandlers) checkCSRF(c echo.Context, sessionToken string) error {
	if !h.csrf {
		return nil
	}
	if _, authenticated := GetUser(c); authenticated {
		return nil
	}
	presented := c.Request().Header.Get(HeaderCSRFToken)
	if presented == "" {
		return echo.NewHTTPError(http.StatusForbidden, "csrf token required")
	}
	if err := h.tokens.VerifyCSRF(presented, sessionToken); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "invalid csrf token")
	}
	return nil
}

func outcomeResponse(outcome *engine.TickOutcome) *ChatResponse {
	return &ChatResponse{
		SessionID:    outcome.Session.ID,
		Status:       outcome.Session.Status,
		NextNode:     outcome.Session.CurrentNodeID,
		Messages:     outcome.Messages,
		ExpectsInput: outcome.ExpectsInput,
		InputType:    outcome.InputType,
	}
}

func sessionView(session *flow.Session) *SessionView {
	return &SessionView{
		SessionID:      session.ID,
		FlowID:         session.FlowID,
		UserID:         session.UserID,
		Channel:        session.Channel,
		Status:         session.Status,
		CurrentNode:    session.CurrentNodeID,
		State:          session.State,
		Revision:       session.Revision,
		StartedAt:      session.StartedAt,
		LastActivityAt: session.LastActivityAt,
		EndedAt:        session.EndedAt,
	}
}
