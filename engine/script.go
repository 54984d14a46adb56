package engine

import (
	"context"
	"time"

	"flow.evalgo.org/flow"
	"flow.evalgo.org/script"
	"flow.evalgo.org/state"
	"flow.evalgo.org/tracing"
)

// ScriptProcessor runs script nodes in the embedded sandbox. Nodes whose
// execution_context is frontend are not run server-side; their code is
// emitted to the client instead, and mixed nodes do both.
type ScriptProcessor struct {
	Sandbox *script.Sandbox
	Timeout time.Duration
}

// NewScriptProcessor builds a script processor with the given default
// deadline.
func NewScriptProcessor(timeout time.Duration) *ScriptProcessor {
	if timeout <= 0 {
		timeout = script.DefaultTimeout
	}
	return &ScriptProcessor{Sandbox: script.NewSandbox(timeout), Timeout: timeout}
}

// Name identifies the processor.
func (p *ScriptProcessor) Name() string { return "script" }

// CanHandle matches script nodes.
func (p *ScriptProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeScript
}

func (p *ScriptProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	content := tick.Node.Content

	code := stringField(content, "code")
	language := stringField(content, "language")
	if language == "" {
		language = "javascript"
	}

	inputs := resolveScriptInputs(tick.State, content["inputs"])
	res := &Result{}

	execContext := stringField(content, "execution_context")
	if execContext == "frontend" || execContext == "mixed" {
		res.MessagesEmitted = append(res.MessagesEmitted, Emission{
			Type: "script",
			Content: map[string]interface{}{
				"code":         code,
				"language":     language,
				"inputs":       inputs,
				"dependencies": contentList(content, "dependencies"),
			},
		})
	}
	if execContext == "frontend" {
		res.Success = true
		res.ConnectionType = flow.ConnectionDefault
		res.Details = tracing.ScriptDetails{
			Language:    language,
			CodePreview: tracing.CodePreview(code),
			Inputs:      inputs,
		}
		return res, nil
	}

	timeout := p.Timeout
	if ms, ok := state.Number(content["timeout"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	run, err := p.Sandbox.Run(ctx, script.Request{
		Code:     code,
		Language: language,
		Inputs:   inputs,
		Outputs:  stringList(content["outputs"]),
		Timeout:  timeout,
	})

	details := tracing.ScriptDetails{
		Language:    language,
		CodePreview: tracing.CodePreview(code),
		Inputs:      inputs,
	}
	if run != nil {
		details.Outputs = run.Outputs
		details.ExecutionTimeMS = run.Duration.Milliseconds()
		if tick.Session.TraceLevel == flow.TraceVerbose {
			details.ConsoleLogs = run.ConsoleLogs
		}
	}

	if err != nil {
		details.Error = err.Error()
		res.Details = details
		res.Errorf("script failed: %v", err)
		res.ConnectionType = flow.ConnectionFailure
		return res, nil
	}

	for name, value := range run.Outputs {
		if res.VariablesWritten == nil {
			res.VariablesWritten = map[string]interface{}{}
		}
		writePath(res.VariablesWritten, name, value)
	}

	res.Success = true
	res.ConnectionType = flow.ConnectionSuccess
	res.Details = details
	return res, nil
}

// resolveScriptInputs binds sandbox globals: string values are dotted
// state paths, anything else is passed through template rendering.
func resolveScriptInputs(bag state.Bag, raw interface{}) map[string]interface{} {
	resolved := map[string]interface{}{}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return resolved
	}
	for name, v := range m {
		if path, isString := v.(string); isString {
			resolved[name] = bag.Get(path)
			continue
		}
		resolved[name] = bag.RenderValue(v)
	}
	return resolved
}

// stringList coerces a content list into strings, skipping the rest.
func stringList(raw interface{}) []string {
	list, _ := raw.([]interface{})
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
