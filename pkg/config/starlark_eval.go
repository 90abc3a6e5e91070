package config

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Builtin is a Go function exposed to scripts. Arguments and the result
// are plain Go values (see toStarlarkValue).
type Builtin func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// StarlarkEvaluator executes remediation scripts under a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// StarlarkResult is the outcome of a script run.
type StarlarkResult struct {
	// Output holds the script globals, minus callables and names starting with '_'.
	Output map[string]interface{}

	// Printed collects the lines passed to print().
	Printed []string

	ExecutionTime time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 30s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script with input as predeclared values and builtins as
// callable functions. Builtins receive a context cancelled on timeout.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}, builtins map[string]Builtin) (*StarlarkResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	var mu sync.Mutex
	result := &StarlarkResult{Output: make(map[string]interface{})}

	thread := &starlark.Thread{
		Name: "medic",
		Print: func(_ *starlark.Thread, msg string) {
			mu.Lock()
			result.Printed = append(result.Printed, msg)
			mu.Unlock()
		},
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}
	for name, fn := range builtins {
		predeclared[name] = starlark.NewBuiltin(name, wrapBuiltin(evalCtx, fn))
	}

	var (
		globals starlark.StringDict
		execErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		globals, execErr = starlark.ExecFile(thread, filename, script, predeclared)
	}()

	select {
	case <-done:
	case <-evalCtx.Done():
		thread.Cancel("execution timeout")
		<-done
	}
	result.ExecutionTime = time.Since(start)

	if evalCtx.Err() != nil && ctx.Err() == nil {
		return result, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	}
	if execErr != nil {
		return result, fmt.Errorf("starlark execution failed: %w", execErr)
	}

	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		val := globals[name]
		if name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return result, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		result.Output[name] = goVal
	}
	return result, nil
}

func wrapBuiltin(ctx context.Context, fn Builtin) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		goArgs := make([]interface{}, len(args))
		for i, a := range args {
			v, err := fromStarlarkValue(a)
			if err != nil {
				return nil, fmt.Errorf("%s: argument %d: %w", b.Name(), i, err)
			}
			goArgs[i] = v
		}
		goKwargs := make(map[string]interface{}, len(kwargs))
		for _, kv := range kwargs {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%s: keyword must be a string", b.Name())
			}
			v, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: argument %s: %w", b.Name(), key, err)
			}
			goKwargs[string(key)] = v
		}

		out, err := fn(ctx, goArgs, goKwargs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return toStarlarkValue(out)
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, s := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
