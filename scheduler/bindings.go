package scheduler

import (
	"fmt"

	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/dop251/goja"
)

// taskBinding implements $task(job, callback) and $task(callback). The job
// runs when the task is drained and its return value is passed to callback.
func (s *Scheduler) taskBinding(call goja.FunctionCall) goja.Value {
	var job, callback goja.Callable
	var ok bool

	if len(call.Arguments) < 2 {
		callback, ok = goja.AssertFunction(call.Argument(0))
	} else {
		job, ok = goja.AssertFunction(call.Argument(0))
		if ok {
			callback, ok = goja.AssertFunction(call.Argument(1))
		}
	}
	if !ok {
		s.ec.ThrowTypeError("$task expects (job, callback) functions")
	}

	id := s.enqueue(&Task{Callback: callback, job: job})
	return s.ec.ToValue(id)
}

// asyncBinding implements $async(name, args, callback). The named host
// function runs on its own goroutine; callback receives its result on the
// execution context once the task is drained.
func (s *Scheduler) asyncBinding(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	callback, ok := goja.AssertFunction(call.Argument(2))
	if !ok {
		s.ec.ThrowTypeError("$async expects (name, args, callback)")
	}

	fn, ok := s.registry.Get(name)
	if !ok {
		s.ec.Throw(fmt.Errorf("%w: %s", hostfunc.ErrUnknownFunction, name))
	}
	args := exportArgs(call.Argument(1))

	task := &Task{Callback: callback, done: make(chan workerResult, 1)}
	ctx := s.runContext()
	go func() {
		v, err := fn(ctx, args)
		task.done <- workerResult{value: v, err: err}
	}()

	id := s.enqueue(task)
	return s.ec.ToValue(id)
}

// callBinding implements $call(name, args): the named host function runs
// synchronously and its result is returned, its error thrown.
func (s *Scheduler) callBinding(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	v, err := s.registry.Call(s.runContext(), name, exportArgs(call.Argument(1)))
	if err != nil {
		s.ec.Throw(err)
	}
	return s.ec.ToValue(v)
}

func exportArgs(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]any{}
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v.Export()}
}
