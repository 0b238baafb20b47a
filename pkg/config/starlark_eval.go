package config

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/converge/pkg/engine"
)

const positionsLocal = "converge.positions"

// StarlarkEvaluator executes Starlark manifests. Scripts get no filesystem or
// network access and are cancelled after the timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// StarlarkResult is the outcome of one script execution.
type StarlarkResult struct {
	// Globals are the exported globals converted to Go values. Functions and
	// names starting with "_" are omitted.
	Globals map[string]interface{}

	// Lines maps the index of each entry of the resources global to the line
	// of the helper call that built it.
	Lines map[int]int

	ExecutionTime time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger,
	}
}

// Evaluate executes script with input predeclared as globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("script", filename).Msg(msg)
		},
	}
	positions := make(map[*starlark.Dict]int)
	thread.SetLocal(positionsLocal, positions)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for name, fn := range manifestBuiltins {
		predeclared[name] = starlark.NewBuiltin(name, fn)
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	result := &StarlarkResult{
		Globals: make(map[string]interface{}),
		Lines:   make(map[int]int),
	}
	for name, val := range globals {
		if name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert global %s: %w", name, err)
		}
		result.Globals[name] = goVal
	}

	if list, ok := globals["resources"].(*starlark.List); ok {
		for i := 0; i < list.Len(); i++ {
			if d, ok := list.Index(i).(*starlark.Dict); ok {
				if line, ok := positions[d]; ok {
					result.Lines[i] = line
				}
			}
		}
	}

	result.ExecutionTime = time.Since(startTime)
	se.logger.Debug().
		Str("script", filename).
		Dur("duration", result.ExecutionTime).
		Msg("starlark manifest evaluated")
	return result, nil
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
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
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
		return fromStarlarkSequence(val)
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
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

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

// Manifest helpers. Each returns a resource dict and records the calling
// line so load errors can point at it.

var manifestBuiltins = map[string]func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error){
	"user":      builtinUser,
	"ssh_keys":  builtinSSHKeys,
	"directive": builtinDirective,
	"directory": builtinDirectory,
	"package":   builtinPackage,
	"hostname":  builtinHostname,
}

func builtinUser(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	return resourceDict(thread, engine.KindUserExists, name, starlark.True)
}

func builtinSSHKeys(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%s: want a user and at least one key, got %d arguments", b.Name(), len(args))
	}
	user, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: user must be a string, got %s", b.Name(), args[0].Type())
	}
	keys := make([]starlark.Value, 0, len(args)-1)
	for _, arg := range args[1:] {
		if _, ok := starlark.AsString(arg); !ok {
			return nil, fmt.Errorf("%s: keys must be strings, got %s", b.Name(), arg.Type())
		}
		keys = append(keys, arg)
	}
	return resourceDict(thread, engine.KindSSHKeyInstalled, user, starlark.NewList(keys))
}

func builtinDirective(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, value string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	return resourceDict(thread, engine.KindSSHDirectiveSet, name, starlark.String(value))
}

func builtinDirectory(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, owner string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "owner", &owner); err != nil {
		return nil, err
	}
	return resourceDict(thread, engine.KindDirectoryOwned, path, starlark.String(owner))
}

func builtinPackage(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	installed := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "installed?", &installed); err != nil {
		return nil, err
	}
	return resourceDict(thread, engine.KindPackageInstalled, name, starlark.Bool(installed))
}

func builtinHostname(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	return resourceDict(thread, engine.KindHostnameSet, "hostname", starlark.String(name))
}

func resourceDict(thread *starlark.Thread, kind engine.Kind, key string, value starlark.Value) (starlark.Value, error) {
	d := starlark.NewDict(3)
	for _, kv := range [][2]starlark.Value{
		{starlark.String("kind"), starlark.String(kind)},
		{starlark.String("key"), starlark.String(key)},
		{starlark.String("value"), value},
	} {
		if err := d.SetKey(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	if positions, ok := thread.Local(positionsLocal).(map[*starlark.Dict]int); ok && thread.CallStackDepth() > 1 {
		positions[d] = int(thread.CallFrame(1).Pos.Line)
	}
	return d, nil
}
