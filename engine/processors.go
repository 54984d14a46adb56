package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
	"flow.evalgo.org/tracing"
)

// returnStackPath is where the runtime persists composite return
// continuations, inside the temp scratch root so it survives
// suspension and dies with the session.
const returnStackPath = "temp._returns"

// StartProcessor handles the graph root: no work, default edge.
type StartProcessor struct{}

func (p *StartProcessor) Name() string { return "start" }

func (p *StartProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeStart
}

func (p *StartProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	return &Result{Success: true, ConnectionType: flow.ConnectionDefault}, nil
}

// MessageProcessor renders content.messages with template substitution
// and emits them.
type MessageProcessor struct{}

func (p *MessageProcessor) Name() string { return "message" }

func (p *MessageProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeMessage
}

func (p *MessageProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	res := &Result{Success: true, ConnectionType: flow.ConnectionDefault}

	var details tracing.MessageDetails
	for _, raw := range contentList(tick.Node.Content, "messages") {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			res.Errorf("message entry is not an object")
			continue
		}
		msgType, _ := msg["type"].(string)
		if msgType == "" {
			msgType = "text"
		}

		content := msg["content"]
		if template, ok := content.(string); ok {
			rendered := tick.State.Render(template)
			details.MessageTemplate = template
			details.RenderedMessage = rendered
			content = rendered
		} else {
			content = tick.State.RenderValue(content)
		}
		if msgType == "media" || msgType == "image" {
			if url, ok := content.(string); ok {
				details.MediaURLs = append(details.MediaURLs, url)
			}
		}

		res.MessagesEmitted = append(res.MessagesEmitted, Emission{Type: msgType, Content: content})
	}

	res.Details = details
	return res, nil
}

// QuestionProcessor prompts for input and, on resume, writes the answer
// to content.variable and branches: choice picks option_i for the
// selected option index, text follows default.
type QuestionProcessor struct{}

func (p *QuestionProcessor) Name() string { return "question" }

func (p *QuestionProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeQuestion
}

func (p *QuestionProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	content := tick.Node.Content
	questionText, _ := content["question"].(string)
	inputType, _ := content["input_type"].(string)
	if inputType == "" {
		inputType = "text"
	}
	options := contentList(content, "options")
	rendered := tick.State.Render(questionText)

	details := tracing.QuestionDetails{
		QuestionText:     questionText,
		RenderedQuestion: rendered,
		Options:          options,
		InputType:        inputType,
	}

	if tick.Input == nil {
		prompt := map[string]interface{}{
			"question":   rendered,
			"input_type": inputType,
		}
		if len(options) > 0 {
			prompt["options"] = tick.State.RenderValue(options)
		}
		return &Result{
			Success:         true,
			ExpectsInput:    true,
			InputType:       inputType,
			MessagesEmitted: []Emission{{Type: "question", Content: prompt}},
			Details:         details,
		}, nil
	}

	res := &Result{Success: true, ConsumedInput: true}
	details.UserResponse = tick.Input.Value
	details.ResponseTimeMS = time.Since(tick.Session.LastActivityAt).Milliseconds()

	variable, _ := content["variable"].(string)
	if variable != "" {
		res.VariablesWritten = map[string]interface{}{}
		writePath(res.VariablesWritten, variable, tick.Input.Value)
	} else {
		res.Errorf("question node %s declares no variable", tick.Node.NodeID)
	}

	switch inputType {
	case "choice":
		idx, ok := optionIndex(options, tick.Input.Value)
		if !ok {
			res.Errorf("input %v matches no option", tick.Input.Value)
			res.ConnectionType = flow.ConnectionDefault
			break
		}
		res.ConnectionType = flow.OptionConnection(idx)
	default:
		res.ConnectionType = flow.ConnectionDefault
	}

	res.Details = details
	return res, nil
}

// optionIndex resolves a choice input to an option index: a numeric
// input is the index itself, anything else matches option values (or
// an option object's value/label field).
func optionIndex(options []interface{}, input interface{}) (int, bool) {
	if n, ok := state.Number(input); ok {
		idx := int(n)
		if idx >= 0 && (len(options) == 0 || idx < len(options)) {
			return idx, true
		}
		return 0, false
	}

	needle := state.Stringify(input)
	for i, opt := range options {
		switch v := opt.(type) {
		case map[string]interface{}:
			if state.Stringify(v["value"]) == needle || state.Stringify(v["label"]) == needle {
				return i, true
			}
		default:
			if state.Stringify(v) == needle {
				return i, true
			}
		}
	}
	return 0, false
}

// ConditionProcessor evaluates content.conditions in order; the first
// truthy predicate picks option_i, none picks default. Every evaluation
// is recorded for the trace.
type ConditionProcessor struct{}

func (p *ConditionProcessor) Name() string { return "condition" }

func (p *ConditionProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeCondition
}

func (p *ConditionProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	res := &Result{Success: true}
	details := tracing.ConditionDetails{MatchedConditionIndex: -1}

	matched := -1
	for i, raw := range contentList(tick.Node.Content, "conditions") {
		cond, ok := raw.(map[string]interface{})
		if !ok {
			res.Errorf("condition %d is not an object", i)
			continue
		}
		expr, ok := cond["if"].(map[string]interface{})
		if !ok {
			res.Errorf("condition %d has no if clause", i)
			continue
		}

		check := tracing.ConditionCheck{Expression: compactJSON(expr)}
		pred, err := flow.ParsePredicate(expr)
		if err == nil {
			check.Result, err = pred.Evaluate(tick.State)
		}
		if err != nil {
			check.Error = err.Error()
			res.Errorf("condition %d: %v", i, err)
		}
		details.ConditionsEvaluated = append(details.ConditionsEvaluated, check)

		if matched < 0 && check.Result {
			matched = i
		}
	}

	if matched >= 0 {
		res.ConnectionType = flow.OptionConnection(matched)
		details.MatchedConditionIndex = matched
	} else {
		res.ConnectionType = flow.ConnectionDefault
	}
	details.ConnectionTaken = res.ConnectionType.Token()
	res.Details = details
	return res, nil
}

// CompositeProcessor enters a child sub-graph. The parent continuation
// (the composite's default-edge target) is pushed on the session's
// return stack; the runtime pops it when the sub-graph runs out of
// edges.
type CompositeProcessor struct{}

func (p *CompositeProcessor) Name() string { return "composite" }

func (p *CompositeProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeComposite
}

func (p *CompositeProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	entry, _ := tick.Node.Content["entry"].(string)
	if entry == "" {
		if children := contentList(tick.Node.Content, "nodes"); len(children) > 0 {
			entry, _ = children[0].(string)
		}
	}
	if entry == "" {
		res := &Result{ConnectionType: flow.ConnectionDefault}
		res.Errorf("composite node %s has no entry child", tick.Node.NodeID)
		return res, nil
	}
	if tick.Graph.Node(entry) == nil {
		return nil, fmt.Errorf("composite entry node %s: %w", entry, flow.ErrNotFound)
	}

	res := &Result{Success: true, NextNodeID: entry}
	if cont, ok := tick.Graph.Next(tick.Node.NodeID, flow.ConnectionDefault); ok {
		stack := returnStack(tick.State)
		res.VariablesWritten = map[string]interface{}{}
		writePath(res.VariablesWritten, returnStackPath, append(stack, cont))
	}
	return res, nil
}

// returnStack reads the persisted composite continuation stack.
func returnStack(bag state.Bag) []interface{} {
	stack, _ := bag.Get(returnStackPath).([]interface{})
	return stack
}

// contentList reads a list field from node content, tolerating absence.
func contentList(content flow.JSONMap, key string) []interface{} {
	list, _ := content[key].([]interface{})
	return list
}

// writePath sets a dotted path inside a plain variables map.
func writePath(vars map[string]interface{}, path string, value interface{}) {
	state.Bag(vars).Set(path, value)
}

// compactJSON renders a predicate expression for trace details.
func compactJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
