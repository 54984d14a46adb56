package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
	"flow.evalgo.org/tracing"
)

// FlowSource loads flows for execution.
type FlowSource interface {
	GetFlowWithNodes(ctx context.Context, id string) (*flow.Flow, error)
}

// Sessions is the mutation surface the runtime drives. Implemented by
// the db session store and by in-memory fakes in tests.
type Sessions interface {
	CreateSession(ctx context.Context, seed db.CreateSeed) (*flow.Session, error)
	GetSessionByToken(ctx context.Context, token string) (*flow.Session, error)
	GetSessionByID(ctx context.Context, id string) (*flow.Session, error)
	UpdateSessionState(ctx context.Context, sessionID string, newState state.Bag, opts db.UpdateOptions) (*flow.Session, error)
	EndSession(ctx context.Context, sessionID string, status flow.SessionStatus) (*flow.Session, error)
}

// Lock is a held per-session lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker serializes ticks per session.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (Lock, error)
}

// PGLocker adapts the advisory-lock controller to the runtime.
type PGLocker struct {
	Locks *db.SessionLocker
}

// Lock acquires the session's advisory lock.
func (p PGLocker) Lock(ctx context.Context, sessionID string) (Lock, error) {
	lock, err := p.Locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// StepSource numbers trace steps per session.
type StepSource interface {
	NextStepNumber(ctx context.Context, sessionID string) (int, error)
}

// StepSink buffers trace steps outside the mutation transaction. When
// the runtime has no sink, steps ride the mutation transaction instead.
type StepSink interface {
	Record(sessionID string, step db.StepRecord)
	Flush(ctx context.Context) error
}

// Options tunes the runtime.
type Options struct {
	// MaxStepsPerTurn aborts a tick that visits more nodes without
	// suspending; it guards against authoring loops.
	MaxStepsPerTurn int

	// DefaultChannel stamps sessions started without a channel.
	DefaultChannel string
}

func (o *Options) setDefaults() {
	if o.MaxStepsPerTurn <= 0 {
		o.MaxStepsPerTurn = 50
	}
	if o.DefaultChannel == "" {
		o.DefaultChannel = "web"
	}
}

// Runtime advances sessions through their flows, one tick at a time.
// Each node visit commits its state delta, history rows, trace step and
// domain events in one transaction under the session's advisory lock.
type Runtime struct {
	flows    FlowSource
	sessions Sessions
	locker   Locker
	registry *Registry
	steps    StepSource
	sink     StepSink
	opts     Options
	log      *logrus.Entry
}

// NewRuntime wires a runtime. steps may be nil when tracing is disabled
// for every flow; sink may be nil to commit trace steps transactionally.
func NewRuntime(flows FlowSource, sessions Sessions, locker Locker, registry *Registry, steps StepSource, sink StepSink, opts Options) *Runtime {
	opts.setDefaults()
	return &Runtime{
		flows:    flows,
		sessions: sessions,
		locker:   locker,
		registry: registry,
		steps:    steps,
		sink:     sink,
		opts:     opts,
		log:      common.ComponentLogger("runtime"),
	}
}

// DefaultRegistry builds the registry with every built-in processor.
func DefaultRegistry(runner *ActionRunner, webhookTimeout, scriptTimeout time.Duration) *Registry {
	r := NewRegistry()
	r.Register(&StartProcessor{})
	r.Register(&MessageProcessor{})
	r.Register(&QuestionProcessor{})
	r.Register(&ConditionProcessor{})
	r.Register(&ActionProcessor{Runner: runner})
	r.Register(NewWebhookProcessor(webhookTimeout))
	r.Register(NewScriptProcessor(scriptTimeout))
	r.Register(&CompositeProcessor{})
	return r
}

// StartRequest carries session creation inputs.
type StartRequest struct {
	FlowID       string
	UserID       string
	Channel      string
	InitialState map[string]interface{}
	Context      map[string]interface{}
}

// TickOutcome is what one tick produced for the caller.
type TickOutcome struct {
	Session      *flow.Session
	Messages     []Emission
	ExpectsInput bool
	InputType    string
	Steps        int
}

// StartSession creates a session at the flow's entry node and runs the
// first tick.
func (r *Runtime) StartSession(ctx context.Context, req StartRequest) (*TickOutcome, error) {
	f, err := r.flows.GetFlowWithNodes(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	if !f.IsActive {
		return nil, fmt.Errorf("flow %s is not active: %w", f.ID, flow.ErrValidation)
	}

	graph := BuildGraph(f)
	entry := graph.Entry()
	if entry == "" {
		return nil, fmt.Errorf("flow %s has no entry node: %w", f.ID, flow.ErrValidation)
	}

	bag := state.NewBag()
	if defaults, ok := f.Info["initial_state"].(map[string]interface{}); ok {
		bag.Merge(defaults)
	}
	if req.InitialState != nil {
		bag.Merge(req.InitialState)
	}
	if req.Context != nil {
		bag.Merge(map[string]interface{}{"context": req.Context})
	}
	bag.EnsureRoots()

	channel := req.Channel
	if channel == "" {
		channel = r.opts.DefaultChannel
	}

	token := uuid.NewString()
	session, err := r.sessions.CreateSession(ctx, db.CreateSeed{
		FlowID:        f.ID,
		SessionToken:  token,
		UserID:        req.UserID,
		Channel:       channel,
		CurrentNodeID: entry,
		InitialState:  bag,
		TraceEnabled:  tracing.ShouldTrace(f.TraceEnabled, f.TraceSampleRate, token),
		TraceLevel:    flowTraceLevel(f),
	})
	if err != nil {
		return nil, err
	}

	lock, err := r.locker.Lock(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	return r.tick(ctx, f, graph, session, nil)
}

// Interact advances a suspended session with the user's input.
func (r *Runtime) Interact(ctx context.Context, token string, value interface{}, inputType string) (*TickOutcome, error) {
	session, err := r.sessions.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", session.ID, session.Status, flow.ErrConflict)
	}

	f, err := r.flows.GetFlowWithNodes(ctx, session.FlowID)
	if err != nil {
		return nil, err
	}
	graph := BuildGraph(f)

	lock, err := r.locker.Lock(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	// Reload under the lock; the revision may have moved while waiting.
	session, err = r.sessions.GetSessionByID(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", session.ID, session.Status, flow.ErrConflict)
	}

	return r.tick(ctx, f, graph, session, &Input{Value: value, Type: inputType})
}

// Terminate ends a session by token, defaulting to ABANDONED. Ending a
// terminal session returns it unchanged.
func (r *Runtime) Terminate(ctx context.Context, token string, status flow.SessionStatus) (*flow.Session, error) {
	if status == "" {
		status = flow.SessionAbandoned
	}
	session, err := r.sessions.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return session, nil
	}

	lock, err := r.locker.Lock(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	ended, err := r.sessions.EndSession(ctx, session.ID, status)
	if err != nil {
		return nil, err
	}
	if err := r.flushTrace(ctx, ended); err != nil {
		return nil, err
	}
	return ended, nil
}

// GetSession resolves a session by its public token.
func (r *Runtime) GetSession(ctx context.Context, token string) (*flow.Session, error) {
	return r.sessions.GetSessionByToken(ctx, token)
}

// tick advances the session until it suspends on input, terminates, or
// exhausts the step budget. The caller holds the session's lock.
func (r *Runtime) tick(ctx context.Context, f *flow.Flow, graph *Graph, session *flow.Session, input *Input) (*TickOutcome, error) {
	bag := state.Bag(session.State)
	if bag == nil {
		bag = state.NewBag()
	}

	out := &TickOutcome{Session: session}
	stepNumber := 0

	nodeID := session.CurrentNodeID
	if nodeID == "" {
		nodeID = graph.Entry()
	}

	for {
		if out.Steps >= r.opts.MaxStepsPerTurn {
			return out, fmt.Errorf("tick visited %d nodes without suspending: %w",
				out.Steps, flow.ErrValidation)
		}

		node := graph.Node(nodeID)
		if node == nil {
			return out, fmt.Errorf("node %s in flow %s: %w", nodeID, f.ID, flow.ErrNotFound)
		}

		res, procErr := r.registry.Process(ctx, &Tick{
			Flow:    f,
			Graph:   graph,
			Session: session,
			State:   bag,
			Node:    node,
			Input:   input,
		})
		if res == nil {
			res = &Result{}
		}
		if procErr != nil {
			r.log.WithFields(logrus.Fields{
				"session_id": session.ID,
				"node_id":    node.NodeID,
				"node_type":  node.NodeType,
			}).WithError(procErr).Error("node execution failed")
		}

		consumed := input
		if res.ConsumedInput {
			input = nil
		}

		newBag := bag.Clone()
		if len(res.VariablesWritten) > 0 {
			newBag.Merge(res.VariablesWritten)
		}

		failed := procErr != nil || !res.Success
		next, routedVia := r.resolveNext(graph, newBag, node, res, procErr != nil)

		terminal := false
		status := session.Status
		if !res.ExpectsInput && (next == "" || res.EndSession) {
			terminal = true
			if failed {
				status = flow.SessionAbandoned
			} else {
				status = flow.SessionCompleted
			}
		}

		persistNode := next
		if terminal || res.ExpectsInput {
			persistNode = node.NodeID
		}

		expected := session.Revision
		opts := db.UpdateOptions{
			CurrentNodeID:    &persistNode,
			ExpectedRevision: &expected,
			UserInitiated:    true,
			History:          r.historyRows(node, res, consumed),
		}
		if terminal {
			st := status
			opts.Status = &st
		}

		if session.TraceEnabled {
			if stepNumber == 0 {
				n, err := r.nextStepNumber(ctx, session.ID)
				if err != nil {
					return out, err
				}
				stepNumber = n
			}
			rec := r.stepRecord(stepNumber, node, res, procErr, bag, newBag, routedVia, next)
			stepNumber++
			if r.sink != nil {
				r.sink.Record(session.ID, rec)
			} else {
				opts.Steps = []db.StepRecord{rec}
			}
		}

		updated, err := r.sessions.UpdateSessionState(ctx, session.ID, newBag, opts)
		if err != nil {
			return out, err
		}
		session = updated
		bag = state.Bag(updated.State)
		out.Session = session
		out.Steps++
		out.Messages = append(out.Messages, res.MessagesEmitted...)

		if res.ExpectsInput {
			out.ExpectsInput = true
			out.InputType = res.InputType
			return out, nil
		}
		if terminal {
			if err := r.flushTrace(ctx, session); err != nil {
				return out, err
			}
			return out, nil
		}

		// Refresh-after-action contract: reload before the next node so
		// downstream templates see concurrent writes. A failed reload
		// keeps the stale in-memory session.
		if node.NodeType == flow.NodeAction {
			if fresh, err := r.sessions.GetSessionByID(ctx, session.ID); err == nil {
				session = fresh
				bag = state.Bag(fresh.State)
			}
		}

		nodeID = next
	}
}

// resolveNext picks the node to advance to. Successful results follow
// their connection type with a default fallback; errored and failed
// results walk failure then default. When the sub-graph ran out of
// edges on a success, the composite return stack resumes the parent.
func (r *Runtime) resolveNext(graph *Graph, bag state.Bag, node *flow.Node, res *Result, errored bool) (string, flow.ConnectionType) {
	if res.ExpectsInput {
		return "", ""
	}
	if res.NextNodeID != "" {
		return res.NextNodeID, res.ConnectionType
	}

	failed := errored || !res.Success
	if failed {
		if target, ok := graph.Next(node.NodeID, flow.ConnectionFailure); ok {
			return target, flow.ConnectionFailure
		}
		if target, ok := graph.Next(node.NodeID, flow.ConnectionDefault); ok {
			return target, flow.ConnectionDefault
		}
		return "", ""
	}

	connType := res.ConnectionType
	if connType == "" {
		connType = flow.ConnectionDefault
	}
	if target, ok := graph.Next(node.NodeID, connType); ok {
		return target, connType
	}
	if connType != flow.ConnectionDefault {
		if target, ok := graph.Next(node.NodeID, flow.ConnectionDefault); ok {
			return target, flow.ConnectionDefault
		}
	}

	// Sub-graph end: resume the parent continuation if one is pending.
	if stack := returnStack(bag); len(stack) > 0 {
		target, _ := stack[len(stack)-1].(string)
		if target != "" {
			bag.Set(returnStackPath, stack[:len(stack)-1])
			return target, flow.ConnectionDefault
		}
	}
	return "", ""
}

// historyRows builds the append-only history for one node visit: the
// consumed INPUT first, then every MESSAGE emission, then an ACTION row
// for system-side node kinds.
func (r *Runtime) historyRows(node *flow.Node, res *Result, consumed *Input) []db.HistoryAppend {
	rows := make([]db.HistoryAppend, 0, len(res.MessagesEmitted)+2)

	if res.ConsumedInput && consumed != nil {
		rows = append(rows, db.HistoryAppend{
			NodeID: node.NodeID,
			Type:   flow.InteractionInput,
			Content: map[string]interface{}{
				"input":      consumed.Value,
				"input_type": consumed.Type,
			},
		})
	}

	for _, em := range res.MessagesEmitted {
		rows = append(rows, db.HistoryAppend{
			NodeID:  node.NodeID,
			Type:    flow.InteractionMessage,
			Content: map[string]interface{}{"type": em.Type, "content": em.Content},
		})
	}

	switch node.NodeType {
	case flow.NodeAction, flow.NodeWebhook, flow.NodeScript:
		rows = append(rows, db.HistoryAppend{
			NodeID: node.NodeID,
			Type:   flow.InteractionAction,
			Content: map[string]interface{}{
				"node_type": string(node.NodeType),
				"success":   res.Success,
			},
		})
	}
	return rows
}

// stepRecord builds the trace row for one node visit with both state
// snapshots masked.
func (r *Runtime) stepRecord(stepNumber int, node *flow.Node, res *Result, procErr error, before, after state.Bag, routedVia flow.ConnectionType, next string) db.StepRecord {
	completed := res.StartedAt.Add(res.Duration)
	rec := db.StepRecord{
		StepNumber:     stepNumber,
		NodeID:         node.NodeID,
		NodeType:       node.NodeType,
		StateBefore:    tracing.MaskState(before),
		StateAfter:     tracing.MaskState(after),
		Details:        tracing.DetailsMap(res.Details),
		ConnectionType: string(routedVia),
		NextNodeID:     next,
		StartedAt:      res.StartedAt,
		CompletedAt:    &completed,
		DurationMS:     res.Duration.Milliseconds(),
	}

	switch {
	case procErr != nil:
		rec.ErrorMessage = procErr.Error()
	case !res.Success && len(res.Errors) > 0:
		rec.ErrorMessage = res.Errors[0]
	}
	if len(res.Errors) > 0 {
		rec.ErrorDetails = map[string]interface{}{"errors": res.Errors}
	}
	return rec
}

// nextStepNumber asks the step source for the next contiguous number.
func (r *Runtime) nextStepNumber(ctx context.Context, sessionID string) (int, error) {
	if r.steps == nil {
		return 0, fmt.Errorf("tracing enabled but no step source wired: %w", flow.ErrValidation)
	}
	n, err := r.steps.NextStepNumber(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to number trace step: %w", err)
	}
	return n, nil
}

// flushTrace drains buffered steps before a session is reported
// terminal.
func (r *Runtime) flushTrace(ctx context.Context, session *flow.Session) error {
	if r.sink == nil || !session.TraceEnabled {
		return nil
	}
	if err := r.sink.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush trace before terminal: %w", err)
	}
	return nil
}

// flowTraceLevel reads the flow's declared trace level, defaulting to
// standard.
func flowTraceLevel(f *flow.Flow) flow.TraceLevel {
	if level, ok := f.Info["trace_level"].(string); ok && flow.TraceLevel(level) == flow.TraceVerbose {
		return flow.TraceVerbose
	}
	return flow.TraceStandard
}
