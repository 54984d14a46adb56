// Package engine executes conversation flows: it dispatches session
// ticks to per-kind node processors, runs the action and aggregate
// engine against the session state bag, and drives the tick loop that
// advances sessions under their advisory locks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
)

// Input is a pending user response handed into a tick.
type Input struct {
	Value interface{}
	Type  string // text or choice
}

// Tick is the execution context for one node dispatch. State is the
// working bag; processors never mutate it directly and instead report
// writes through Result.VariablesWritten.
type Tick struct {
	Flow    *flow.Flow
	Graph   *Graph
	Session *flow.Session
	State   state.Bag
	Node    *flow.Node
	Input   *Input
}

// Emission is one outbound message produced by a node.
type Emission struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
}

// Result is what one processor run produced. ConnectionType names the
// outgoing edge to follow; the runtime resolves it to the next node.
type Result struct {
	// Success is false when an action failed without a fallback, a
	// webhook answered non-2xx, or a script errored. Failed results
	// route the failure edge.
	Success bool

	// VariablesWritten deep-merges into session state after the node.
	VariablesWritten map[string]interface{}

	// MessagesEmitted are appended to conversation history as MESSAGE
	// rows and returned to the caller.
	MessagesEmitted []Emission

	// ConnectionType selects the outgoing edge. Empty means default.
	ConnectionType flow.ConnectionType

	// NextNodeID short-circuits edge resolution when set (composite
	// entry jumps directly to a child node).
	NextNodeID string

	// Errors accumulated during the run. Non-empty does not imply
	// failure; absorbed errors (fallback responses) stay listed.
	Errors []string

	// ExpectsInput suspends the session until the user answers.
	ExpectsInput bool

	// InputType is text or choice when ExpectsInput is set.
	InputType string

	// ConsumedInput marks that the tick's pending input was used up.
	ConsumedInput bool

	// EndSession requests termination after this node commits.
	EndSession bool

	// Details is the typed tracing payload for this node kind.
	Details interface{}

	// StartedAt and Duration are stamped by the registry.
	StartedAt time.Time
	Duration  time.Duration
}

// Errorf appends a formatted error to the result.
func (r *Result) Errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Processor executes one node kind.
type Processor interface {
	// Process runs the tick's current node and returns the step result.
	Process(ctx context.Context, tick *Tick) (*Result, error)

	// CanHandle reports whether this processor executes the node.
	CanHandle(node *flow.Node) bool

	// Name returns the processor's identifier.
	Name() string
}

// Registry dispatches nodes to their processors.
type Registry struct {
	processors []Processor
	mu         sync.RWMutex
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{processors: make([]Processor, 0)}
}

// Register adds a processor to the registry.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors = append(r.processors, p)
}

// Process finds the processor for the tick's node and runs it. Panics
// are recovered and returned as errors so a misbehaving node cannot
// take the session's lock holder down; timing is stamped on the result.
func (r *Registry) Process(ctx context.Context, tick *Tick) (res *Result, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = &Result{StartedAt: start, Duration: time.Since(start)}
			res.Errorf("processor panic: %v", rec)
			err = fmt.Errorf("processor panic on node %s: %v", tick.Node.NodeID, rec)
		}
	}()

	r.mu.RLock()
	var proc Processor
	for _, p := range r.processors {
		if p.CanHandle(tick.Node) {
			proc = p
			break
		}
	}
	r.mu.RUnlock()

	if proc == nil {
		return nil, fmt.Errorf("no processor for node type %q: %w", tick.Node.NodeType, flow.ErrValidation)
	}

	res, err = proc.Process(ctx, tick)
	if res != nil {
		res.StartedAt = start
		res.Duration = time.Since(start)
	}
	return res, err
}
