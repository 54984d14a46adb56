// Package script runs flow script nodes in an embedded JavaScript
// engine. The sandbox exposes exactly two globals to the program, the
// inputs object and a capturing console; there is no network, filesystem
// or host access, and a hard deadline interrupts runaway code. Declared
// outputs are read back from the program's global scope by name.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"flow.evalgo.org/flow"
)

const (
	// DefaultTimeout bounds script execution when the node declares none.
	DefaultTimeout = 5 * time.Second

	// maxConsoleLogs caps captured console output per run.
	maxConsoleLogs = 100
)

// Request describes one script execution.
type Request struct {
	Code     string
	Language string // javascript or typescript
	Inputs   map[string]interface{}
	Outputs  []string // global names read back after the run
	Timeout  time.Duration
}

// Result carries the observable effects of a run.
type Result struct {
	Outputs     map[string]interface{}
	ConsoleLogs []string
	Duration    time.Duration
}

// Sandbox executes script node code. Safe for concurrent use; every run
// gets a fresh VM.
type Sandbox struct {
	defaultTimeout time.Duration
}

// NewSandbox creates a sandbox with the given default deadline.
func NewSandbox(defaultTimeout time.Duration) *Sandbox {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Sandbox{defaultTimeout: defaultTimeout}
}

// Run executes the request's code and returns its outputs. Timeouts
// return flow.ErrTimeout; script exceptions and syntax errors return a
// plain error carrying the engine message. The partial result (console
// logs, duration) is returned alongside errors so traces can record it.
func (s *Sandbox) Run(ctx context.Context, req Request) (*Result, error) {
	result := &Result{Outputs: map[string]interface{}{}}

	switch req.Language {
	case "", "javascript", "typescript":
	default:
		return result, fmt.Errorf("unsupported script language %q: %w", req.Language, flow.ErrValidation)
	}
	if strings.TrimSpace(req.Code) == "" {
		return result, fmt.Errorf("script has no code: %w", flow.ErrValidation)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	vm := goja.New()
	if err := vm.Set("inputs", req.Inputs); err != nil {
		return result, fmt.Errorf("failed to bind inputs: %w", err)
	}
	if err := s.bindConsole(vm, result); err != nil {
		return result, fmt.Errorf("failed to bind console: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("canceled")
		case <-time.After(timeout):
			vm.Interrupt("deadline exceeded")
		case <-done:
		}
	}()

	start := time.Now()
	_, err := vm.RunString(req.Code)
	close(done)
	result.Duration = time.Since(start)

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("script exceeded %s deadline: %w", timeout, flow.ErrTimeout)
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return result, fmt.Errorf("script threw: %s", exception.Value().String())
		}
		return result, fmt.Errorf("script failed: %w", err)
	}

	for _, name := range req.Outputs {
		value := vm.Get(name)
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			continue
		}
		result.Outputs[name] = value.Export()
	}
	return result, nil
}

// bindConsole installs console.log/info/warn/error collecting into the
// result, capped at maxConsoleLogs entries.
func (s *Sandbox) bindConsole(vm *goja.Runtime, result *Result) error {
	capture := func(call goja.FunctionCall) goja.Value {
		if len(result.ConsoleLogs) >= maxConsoleLogs {
			return goja.Undefined()
		}
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		result.ConsoleLogs = append(result.ConsoleLogs, strings.Join(parts, " "))
		return goja.Undefined()
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, capture); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}
