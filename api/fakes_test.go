package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"flow.evalgo.org/config"
	"flow.evalgo.org/db"
	"flow.evalgo.org/engine"
	"flow.evalgo.org/flow"
	flowhttp "flow.evalgo.org/http"
	"flow.evalgo.org/security"
	"flow.evalgo.org/tracing"
)

// fakeRuntime answers the chat surface with canned ticks: start lands
// on a waiting question node, interact completes the session.
type fakeRuntime struct {
	sessions   map[string]*flow.Session
	started    []engine.StartRequest
	interacted []interface{}
	terminated []flow.SessionStatus
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{sessions: map[string]*flow.Session{}}
}

// seedSession plants a pre-existing session owned by userID.
func (f *fakeRuntime) seedSession(token, userID string) *flow.Session {
	now := time.Now()
	s := &flow.Session{
		ID:             fmt.Sprintf("sess-%d", len(f.sessions)+1),
		FlowID:         "flow-colors",
		SessionToken:   token,
		UserID:         userID,
		Channel:        "web",
		CurrentNodeID:  "ask",
		State:          map[string]interface{}{},
		Status:         flow.SessionActive,
		Revision:       4,
		StartedAt:      now,
		LastActivityAt: now,
	}
	f.sessions[token] = s
	return s
}

func (f *fakeRuntime) StartSession(ctx context.Context, req engine.StartRequest) (*engine.TickOutcome, error) {
	f.started = append(f.started, req)
	if req.FlowID != "flow-colors" {
		return nil, fmt.Errorf("flow %s: %w", req.FlowID, flow.ErrNotFound)
	}
	s := f.seedSession(fmt.Sprintf("tok-%d", len(f.sessions)+1), req.UserID)
	return &engine.TickOutcome{
		Session: s,
		Messages: []engine.Emission{
			{Type: "message", Content: "Hello!"},
			{Type: "question", Content: "Favourite color?"},
		},
		ExpectsInput: true,
		InputType:    "choice",
		Steps:        3,
	}, nil
}

func (f *fakeRuntime) Interact(ctx context.Context, token string, value interface{}, inputType string) (*engine.TickOutcome, error) {
	s, ok := f.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session token: %w", flow.ErrNotFound)
	}
	f.interacted = append(f.interacted, value)
	s.Revision++
	s.CurrentNodeID = "red_msg"
	s.Status = flow.SessionCompleted
	return &engine.TickOutcome{
		Session:  s,
		Messages: []engine.Emission{{Type: "message", Content: "Red it is"}},
		Steps:    2,
	}, nil
}

func (f *fakeRuntime) Terminate(ctx context.Context, token string, status flow.SessionStatus) (*flow.Session, error) {
	s, ok := f.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session token: %w", flow.ErrNotFound)
	}
	if status == "" {
		status = flow.SessionAbandoned
	}
	f.terminated = append(f.terminated, status)
	s.Status = status
	now := time.Now()
	s.EndedAt = &now
	return s, nil
}

func (f *fakeRuntime) GetSession(ctx context.Context, token string) (*flow.Session, error) {
	s, ok := f.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session token: %w", flow.ErrNotFound)
	}
	return s, nil
}

// fakeFlowStore keeps flows in a map and records the inputs handlers
// pass through.
type fakeFlowStore struct {
	flows         map[string]*flow.Flow
	lastFilter    db.FlowFilter
	lastPublisher string
	lastConnType  flow.ConnectionType
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{flows: map[string]*flow.Flow{}}
}

func (f *fakeFlowStore) CreateFlow(ctx context.Context, fl *flow.Flow) (*flow.Flow, error) {
	if fl.Name == "" {
		return nil, fmt.Errorf("flow name is required: %w", flow.ErrValidation)
	}
	fl.ID = fmt.Sprintf("flow-%d", len(f.flows)+1)
	fl.CreatedAt = time.Now()
	f.flows[fl.ID] = fl
	return fl, nil
}

func (f *fakeFlowStore) GetFlowWithNodes(ctx context.Context, id string) (*flow.Flow, error) {
	fl, ok := f.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", id, flow.ErrNotFound)
	}
	return fl, nil
}

func (f *fakeFlowStore) ListFlows(ctx context.Context, filter db.FlowFilter) ([]*flow.Flow, error) {
	f.lastFilter = filter
	out := make([]*flow.Flow, 0, len(f.flows))
	for _, fl := range f.flows {
		out = append(out, fl)
	}
	return out, nil
}

func (f *fakeFlowStore) UpdateFlow(ctx context.Context, id string, patch db.FlowPatch) (*flow.Flow, error) {
	fl, err := f.GetFlowWithNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		fl.Name = *patch.Name
	}
	if patch.IsActive != nil {
		fl.IsActive = *patch.IsActive
	}
	return fl, nil
}

func (f *fakeFlowStore) DeleteFlow(ctx context.Context, id string) error {
	if _, ok := f.flows[id]; !ok {
		return fmt.Errorf("flow %s: %w", id, flow.ErrNotFound)
	}
	delete(f.flows, id)
	return nil
}

func (f *fakeFlowStore) PublishFlow(ctx context.Context, id, publisher, newVersion string) (*flow.Flow, error) {
	fl, err := f.GetFlowWithNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	f.lastPublisher = publisher
	fl.IsPublished = true
	fl.PublishedBy = publisher
	if newVersion != "" {
		fl.Version = newVersion
	}
	return fl, nil
}

func (f *fakeFlowStore) CloneFlow(ctx context.Context, sourceID, newName, newVersion string) (*flow.Flow, error) {
	if newName == "" {
		return nil, fmt.Errorf("clone name is required: %w", flow.ErrValidation)
	}
	source, err := f.GetFlowWithNodes(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	clone := *source
	clone.ID = fmt.Sprintf("flow-%d", len(f.flows)+1)
	clone.Name = newName
	clone.IsPublished = false
	f.flows[clone.ID] = &clone
	return &clone, nil
}

func (f *fakeFlowStore) AddNode(ctx context.Context, flowID string, node flow.Node) (*flow.Node, error) {
	fl, err := f.GetFlowWithNodes(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if node.NodeID == "" {
		return nil, fmt.Errorf("node_id is required: %w", flow.ErrValidation)
	}
	node.FlowID = flowID
	fl.Nodes = append(fl.Nodes, node)
	return &node, nil
}

func (f *fakeFlowStore) UpdateNode(ctx context.Context, flowID, nodeID string, patch db.NodePatch) (*flow.Node, error) {
	fl, err := f.GetFlowWithNodes(ctx, flowID)
	if err != nil {
		return nil, err
	}
	for i := range fl.Nodes {
		if fl.Nodes[i].NodeID == nodeID {
			if patch.Template != nil {
				fl.Nodes[i].Template = *patch.Template
			}
			return &fl.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("node %s: %w", nodeID, flow.ErrNotFound)
}

func (f *fakeFlowStore) DeleteNode(ctx context.Context, flowID, nodeID string) error {
	fl, err := f.GetFlowWithNodes(ctx, flowID)
	if err != nil {
		return err
	}
	for i := range fl.Nodes {
		if fl.Nodes[i].NodeID == nodeID {
			fl.Nodes = append(fl.Nodes[:i], fl.Nodes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("node %s: %w", nodeID, flow.ErrNotFound)
}

func (f *fakeFlowStore) AddConnection(ctx context.Context, flowID string, conn flow.Connection) (*flow.Connection, error) {
	fl, err := f.GetFlowWithNodes(ctx, flowID)
	if err != nil {
		return nil, err
	}
	conn.FlowID = flowID
	fl.Connections = append(fl.Connections, conn)
	return &conn, nil
}

func (f *fakeFlowStore) DeleteConnection(ctx context.Context, flowID, sourceNodeID, targetNodeID string, connType flow.ConnectionType) error {
	if _, err := f.GetFlowWithNodes(ctx, flowID); err != nil {
		return err
	}
	f.lastConnType = connType
	return nil
}

// fakeTraces records trace reads and serves canned steps.
type fakeTraces struct {
	steps      []*db.StepRecord
	audits     []*db.AuditEntry
	lastAccess tracing.AccessInfo
	lastEraser string
	deleted    int64
}

func (f *fakeTraces) GetSessionTrace(ctx context.Context, sessionID string, access tracing.AccessInfo) ([]*db.StepRecord, error) {
	f.lastAccess = access
	if len(f.steps) == 0 {
		return nil, fmt.Errorf("trace for session %s: %w", sessionID, flow.ErrNotFound)
	}
	return f.steps, nil
}

func (f *fakeTraces) GetAccessAudit(ctx context.Context, sessionID string, limit int) ([]*db.AuditEntry, error) {
	if limit < len(f.audits) {
		return f.audits[:limit], nil
	}
	return f.audits, nil
}

func (f *fakeTraces) Export(ctx context.Context, sessionID string, access tracing.AccessInfo) (*tracing.TraceExport, error) {
	f.lastAccess = access
	return &tracing.TraceExport{
		SessionID:  sessionID,
		ExportedAt: time.Now(),
		Steps:      f.steps,
		AccessLog:  f.audits,
	}, nil
}

func (f *fakeTraces) Erase(ctx context.Context, sessionID, requestedBy string) (int64, error) {
	f.lastEraser = requestedBy
	return f.deleted, nil
}

func (f *fakeTraces) Stats() tracing.Stats {
	return tracing.Stats{Queued: 10, Exported: 9, QueueDepth: 1}
}

// fakeSubs is an in-memory subscription registry.
type fakeSubs struct {
	subs           map[string]*flow.EventSubscription
	lastActiveOnly bool
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{subs: map[string]*flow.EventSubscription{}}
}

func (f *fakeSubs) CreateSubscription(ctx context.Context, sub *flow.EventSubscription) (*flow.EventSubscription, error) {
	sub.ID = fmt.Sprintf("sub-%d", len(f.subs)+1)
	sub.CreatedAt = time.Now()
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *fakeSubs) GetSubscription(ctx context.Context, id string) (*flow.EventSubscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, flow.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeSubs) ListSubscriptions(ctx context.Context, activeOnly bool) ([]*flow.EventSubscription, error) {
	f.lastActiveOnly = activeOnly
	out := make([]*flow.EventSubscription, 0, len(f.subs))
	for _, sub := range f.subs {
		if activeOnly && !sub.IsActive {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (f *fakeSubs) UpdateSubscription(ctx context.Context, id string, patch db.SubscriptionPatch) (*flow.EventSubscription, error) {
	sub, err := f.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.EventTypes != nil {
		sub.EventTypes = *patch.EventTypes
	}
	if patch.TargetURL != nil {
		sub.TargetURL = *patch.TargetURL
	}
	if patch.IsActive != nil {
		sub.IsActive = *patch.IsActive
	}
	return sub, nil
}

func (f *fakeSubs) DeleteSubscription(ctx context.Context, id string) error {
	if _, ok := f.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, flow.ErrNotFound)
	}
	delete(f.subs, id)
	return nil
}

// testEnv is one wired router with every fake reachable.
type testEnv struct {
	e       *echo.Echo
	tokens  *security.TokenService
	runtime *fakeRuntime
	flows   *fakeFlowStore
	traces  *fakeTraces
	subs    *fakeSubs
	apiKey  string
}

const testAPIKey = "svc-key-042"

func newTestEnv(t *testing.T, csrfEnabled bool) *testEnv {
	t.Helper()

	tokens := security.NewTokenService("0123456789abcdef0123456789abcdef", "flowd-test", time.Hour)

	hash, err := security.HashAPIKey(testAPIKey)
	require.NoError(t, err)
	keys := security.NewAPIKeyStore(
		map[string]string{"reporting": hash},
		map[string][]string{"reporting": {security.ScopeTracesRead}},
	)

	env := &testEnv{
		tokens:  tokens,
		runtime: newFakeRuntime(),
		flows:   newFakeFlowStore(),
		traces:  &fakeTraces{},
		subs:    newFakeSubs(),
		apiKey:  testAPIKey,
	}

	env.e = flowhttp.NewServer(config.ServerConfig{})
	RegisterRoutes(env.e, Services{
		Runtime:       env.runtime,
		Flows:         env.flows,
		Traces:        env.traces,
		Subscriptions: env.subs,
		Auth:          NewAuthenticator(tokens, keys, nil),
		Tokens:        tokens,
		CSRFEnabled:   csrfEnabled,
	})
	return env
}

// serviceToken mints a bearer token for the given subject and scopes.
func (env *testEnv) serviceToken(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	token, err := env.tokens.IssueServiceToken(subject, scopes)
	require.NoError(t, err)
	return token
}

// doJSON runs one request through the router and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func bearer(token string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + token}
}
