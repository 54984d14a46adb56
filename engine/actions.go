package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
	"flow.evalgo.org/tracing"
)

// ActionRunner executes the ordered action list of an action node.
// Writes accumulate in a pending-variables map that the runtime
// deep-merges into session state after the node; templates inside later
// actions already see earlier pending writes.
type ActionRunner struct {
	api *APICaller
	log *logrus.Entry
}

// NewActionRunner creates an action runner dispatching api_call actions
// through the given caller.
func NewActionRunner(api *APICaller) *ActionRunner {
	return &ActionRunner{
		api: api,
		log: common.ComponentLogger("actions"),
	}
}

// ActionProcessor runs action nodes through the runner. After the node
// commits, the runtime reloads the session before the next dispatch
// (refresh-after-action contract).
type ActionProcessor struct {
	Runner *ActionRunner
}

func (p *ActionProcessor) Name() string { return "action" }

func (p *ActionProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeAction
}

func (p *ActionProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	actions := contentList(tick.Node.Content, "actions")
	outcome := p.Runner.Run(ctx, tick.State, actions)

	res := &Result{
		Success:          outcome.Success,
		VariablesWritten: outcome.Pending,
		ConnectionType:   flow.ConnectionDefault,
		Errors:           outcome.Errors,
		Details:          outcome.Details(),
	}
	if !outcome.Success {
		res.ConnectionType = flow.ConnectionFailure
	}
	return res, nil
}

// ActionOutcome is the result of one action list run.
type ActionOutcome struct {
	// Pending is the nested variables map to deep-merge into state.
	Pending map[string]interface{}

	// Changed maps dotted paths to their written values, for traces.
	Changed map[string]interface{}

	// Executed records one entry per action for trace details.
	Executed []map[string]interface{}

	// Errors collected across actions; execution continues past them.
	Errors []string

	// Success is false iff an action failed without being absorbed by a
	// fallback response.
	Success bool
}

// Run executes actions in order against a working copy of the bag.
func (r *ActionRunner) Run(ctx context.Context, bag state.Bag, actions []interface{}) *ActionOutcome {
	outcome := &ActionOutcome{
		Pending: map[string]interface{}{},
		Changed: map[string]interface{}{},
		Success: true,
	}
	working := bag.Clone()

	write := func(path string, value interface{}) {
		working.Set(path, value)
		writePath(outcome.Pending, path, value)
		outcome.Changed[path] = value
	}

	for i, raw := range actions {
		action, ok := raw.(map[string]interface{})
		if !ok {
			outcome.fail(fmt.Sprintf("action %d is not an object", i))
			continue
		}
		actionType, _ := action["type"].(string)
		record := map[string]interface{}{"type": actionType, "status": "ok"}

		var err error
		switch actionType {
		case "set_variable":
			err = r.setVariable(working, action, write, record)
		case "aggregate":
			err = r.aggregate(working, action, write, record)
		case "api_call":
			err = r.apiCall(ctx, working, action, write, record)
		default:
			err = fmt.Errorf("unknown action type %q: %w", actionType, flow.ErrValidation)
		}

		if err != nil {
			record["status"] = "error"
			record["error"] = err.Error()
			outcome.fail(err.Error())
			r.log.WithFields(logrus.Fields{"action": actionType, "index": i}).
				WithError(err).Warn("action failed")
		}
		outcome.Executed = append(outcome.Executed, record)
	}
	return outcome
}

// Details folds an outcome into the trace payload for an action node.
func (o *ActionOutcome) Details() tracing.ActionDetails {
	actionType := "mixed"
	if len(o.Executed) == 1 {
		if t, ok := o.Executed[0]["type"].(string); ok {
			actionType = t
		}
	}
	return tracing.ActionDetails{
		ActionType:       actionType,
		ActionsExecuted:  o.Executed,
		VariablesChanged: o.Changed,
	}
}

func (o *ActionOutcome) fail(msg string) {
	o.Errors = append(o.Errors, msg)
	o.Success = false
}

// setVariable writes a (template-resolved) value to a dotted path.
func (r *ActionRunner) setVariable(working state.Bag, action map[string]interface{}, write func(string, interface{}), record map[string]interface{}) error {
	variable, _ := action["variable"].(string)
	if variable == "" {
		return fmt.Errorf("set_variable has no variable: %w", flow.ErrValidation)
	}
	value := working.RenderValue(action["value"])
	write(variable, value)
	record["variable"] = variable
	return nil
}

// aggregate reduces a list at source into target.
func (r *ActionRunner) aggregate(working state.Bag, action map[string]interface{}, write func(string, interface{}), record map[string]interface{}) error {
	source, _ := action["source"].(string)
	target, _ := action["target"].(string)
	operation, _ := action["operation"].(string)
	field, _ := action["field"].(string)
	strategy, _ := action["merge_strategy"].(string)
	record["operation"] = operation
	record["source"] = source
	record["target"] = target

	if source == "" || target == "" || operation == "" {
		return fmt.Errorf("aggregate needs source, operation and target: %w", flow.ErrValidation)
	}

	raw := working.Get(source)
	if raw == nil {
		return fmt.Errorf("aggregate source %s not found: %w", source, flow.ErrNotFound)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("aggregate source %s is not a list: %w", source, flow.ErrValidation)
	}

	value, err := Aggregate(items, field, operation, strategy)
	if err != nil {
		return err
	}
	write(target, value)
	return nil
}

// apiCall dispatches to the API caller and maps the response (or the
// fallback) into pending variables.
func (r *ActionRunner) apiCall(ctx context.Context, working state.Bag, action map[string]interface{}, write func(string, interface{}), record map[string]interface{}) error {
	if r.api == nil {
		return fmt.Errorf("api_call is not wired: %w", flow.ErrValidation)
	}
	result, err := r.api.Call(ctx, working, action)
	if result != nil {
		record["endpoint"] = result.Endpoint
		record["status"] = result.StatusText()
		if result.Fallback {
			record["fallback"] = true
		}
	}
	if err != nil {
		return err
	}
	for path, value := range result.Mapped {
		write(path, value)
	}
	return nil
}

// Aggregate applies one reduction over projected list values.
//
// sum, avg, min and max reduce numerics; count is list cardinality;
// collect concatenates values flattening one level of nested lists;
// merge combines dict elements under a merge strategy (sum, max, last).
// Empty inputs yield 0 for sum and count and ErrEmptyAggregate for avg,
// min and max.
func Aggregate(items []interface{}, field, operation, strategy string) (interface{}, error) {
	values := projectField(items, field)

	switch operation {
	case "count":
		return float64(len(items)), nil
	case "sum":
		total := 0.0
		for _, v := range values {
			if n, ok := state.Number(v); ok {
				total += n
			}
		}
		return total, nil
	case "avg", "min", "max":
		nums := numericValues(values)
		if len(nums) == 0 {
			return nil, fmt.Errorf("failed to aggregate %s over empty input: %w", operation, flow.ErrEmptyAggregate)
		}
		switch operation {
		case "avg":
			total := 0.0
			for _, n := range nums {
				total += n
			}
			return total / float64(len(nums)), nil
		case "min":
			m := nums[0]
			for _, n := range nums[1:] {
				if n < m {
					m = n
				}
			}
			return m, nil
		default:
			m := nums[0]
			for _, n := range nums[1:] {
				if n > m {
					m = n
				}
			}
			return m, nil
		}
	case "collect":
		out := make([]interface{}, 0, len(values))
		for _, v := range values {
			switch list := v.(type) {
			case []interface{}:
				out = append(out, list...)
			case nil:
			default:
				out = append(out, v)
			}
		}
		return out, nil
	case "merge":
		return mergeDicts(values, strategy)
	}
	return nil, fmt.Errorf("unknown aggregate operation %q: %w", operation, flow.ErrValidation)
}

// projectField extracts the (possibly nested) field from every element;
// an empty field keeps elements as-is. Missing fields project to nil.
func projectField(items []interface{}, field string) []interface{} {
	if field == "" {
		return items
	}
	values := make([]interface{}, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			values = append(values, nil)
			continue
		}
		values = append(values, state.Bag(m).Get(field))
	}
	return values
}

// numericValues filters projected values down to numbers.
func numericValues(values []interface{}) []float64 {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if n, ok := state.Number(v); ok {
			nums = append(nums, n)
		}
	}
	return nums
}

// mergeDicts folds dict elements into one map. sum adds numeric values
// per key (missing keys count as zero), max keeps the numeric maximum,
// last keeps the latest occurrence.
func mergeDicts(values []interface{}, strategy string) (map[string]interface{}, error) {
	if strategy == "" {
		strategy = "last"
	}
	switch strategy {
	case "sum", "max", "last":
	default:
		return nil, fmt.Errorf("unknown merge strategy %q: %w", strategy, flow.ErrValidation)
	}

	merged := map[string]interface{}{}
	for i, v := range values {
		dict, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("merge element %d is not an object: %w", i, flow.ErrValidation)
		}
		for key, value := range dict {
			switch strategy {
			case "last":
				merged[key] = value
			case "sum":
				n, ok := state.Number(value)
				if !ok {
					continue
				}
				prev, _ := state.Number(merged[key])
				merged[key] = prev + n
			case "max":
				n, ok := state.Number(value)
				if !ok {
					continue
				}
				if prev, exists := merged[key]; exists {
					if p, ok := state.Number(prev); ok && p >= n {
						continue
					}
				}
				merged[key] = n
			}
		}
	}
	return merged, nil
}
