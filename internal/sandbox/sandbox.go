// Package sandbox executes user-supplied scripts against the memory store.
//
// Scripts run in an embedded JavaScript interpreter with exactly one host
// object, memory, and no other ambient capabilities. The script source is
// evaluated as the body of an async function so user code may use await and
// return.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/nextlevelbuilder/recall/internal/objstore"
)

const execTimeout = 30 * time.Second

// Error is the structured failure surfaced to tool callers.
type Error struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func execError(details string) *Error {
	return &Error{Error: "Execution failed", Details: details}
}

// Runner evaluates scripts over a read-only view of the object store.
type Runner struct {
	store   objstore.Store
	timeout time.Duration
}

func NewRunner(store objstore.Store) *Runner {
	return &Runner{store: store, timeout: execTimeout}
}

// Execute runs the script and returns its result serialized as JSON.
// Undefined results serialize as null. Any failure (parse, runtime, thrown
// value, rejected promise, timeout) is returned as *Error; the service never
// panics on user code.
func (r *Runner) Execute(ctx context.Context, script string) (result json.RawMessage, execErr *Error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("sandbox.panic", "recovered", rec)
			execErr = execError(fmt.Sprintf("internal error: %v", rec))
			result = nil
		}
	}()

	vm := goja.New()
	if err := r.installMemoryAPI(ctx, vm); err != nil {
		return nil, execError(err.Error())
	}

	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt("execution timed out")
	})
	defer timer.Stop()

	wrapped := "(async function() {\n" + script + "\n})()"
	value, err := vm.RunString(wrapped)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, execError(fmt.Sprintf("execution timed out after %s", r.timeout))
		}
		if ex, ok := err.(*goja.Exception); ok {
			return nil, execError(ex.Value().String())
		}
		return nil, execError(err.Error())
	}

	// The wrapper always yields a promise; goja drains the job queue before
	// RunString returns, so the promise is settled here.
	if p, ok := value.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateRejected:
			return nil, execError(p.Result().String())
		case goja.PromiseStateFulfilled:
			value = p.Result()
		default:
			return nil, execError("script did not settle (dangling await?)")
		}
	}

	return marshalResult(vm, value)
}

func marshalResult(vm *goja.Runtime, value goja.Value) (json.RawMessage, *Error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(value.Export())
	if err != nil {
		return nil, execError(fmt.Sprintf("result is not serializable: %v", err))
	}
	return data, nil
}

// installMemoryAPI exposes memory.read and memory.list. Host calls are
// synchronous; awaiting their results is a no-op for the script.
func (r *Runner) installMemoryAPI(ctx context.Context, vm *goja.Runtime) error {
	mem := vm.NewObject()

	err := mem.Set("read", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		obj, err := r.store.Read(ctx, path)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if obj == nil {
			return goja.Null()
		}
		return vm.ToValue(obj.Content)
	})
	if err != nil {
		return fmt.Errorf("sandbox: install read: %w", err)
	}

	err = mem.Set("list", func(call goja.FunctionCall) goja.Value {
		prefix := ""
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Argument(0)) {
			prefix = call.Argument(0).String()
		}
		entries, err := r.store.List(ctx, prefix, true)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		out := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]interface{}{
				"path":       e.Path,
				"size":       e.Size,
				"updated_at": e.UpdatedAt.Format(time.RFC3339),
			})
		}
		return vm.ToValue(out)
	})
	if err != nil {
		return fmt.Errorf("sandbox: install list: %w", err)
	}

	return vm.Set("memory", mem)
}
