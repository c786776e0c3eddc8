package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// compileScript compiles a tool's executor code. The code must be a
// function expression; it is called with the tool arguments and may return a
// value or a Promise.
func compileScript(pluginName string, tool CustomTool, logger zerolog.Logger) (Executor, error) {
	if strings.TrimSpace(tool.ExecutorCode) == "" {
		return func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("tool %s has no executor code", tool.Name)
		}, nil
	}

	program, err := goja.Compile(pluginName+"/"+tool.Name, "("+tool.ExecutorCode+"\n)(args)", false)
	if err != nil {
		return nil, fmt.Errorf("compile executor: %w", err)
	}

	logger = logger.With().Str("plugin", pluginName).Str("tool", tool.Name).Logger()
	return func(ctx context.Context, args map[string]any) (any, error) {
		return runScript(ctx, program, args, logger)
	}, nil
}

// runScript executes program in a fresh runtime. Each call gets its own
// runtime since goja runtimes are not safe for concurrent use.
func runScript(ctx context.Context, program *goja.Program, args map[string]any, logger zerolog.Logger) (any, error) {
	vm := goja.New()

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.Export())
		}
		logger.Debug().Interface("args", parts).Msg("console.log")
		return goja.Undefined()
	})
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := vm.Set("args", args); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("executor failed: %w", err)
	}

	return exportResult(value)
}

func exportResult(value goja.Value) (any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return value.Export(), nil
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("executor rejected: %s", promise.Result().String())
	default:
		return nil, errors.New("executor returned a promise that never settled")
	}
}
