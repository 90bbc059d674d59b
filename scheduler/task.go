package scheduler

import (
	"context"
	"fmt"

	"github.com/caffeineduck/gocjs/engine"
	"github.com/caffeineduck/gocjs/module"
	"github.com/dop251/goja"
)

// Task is deferred work registered by a script. Its callback runs exactly
// once with the task's result, or never if the task is abandoned or its
// result could not be produced.
type Task struct {
	ID       uint64
	Owner    module.Identity
	Callback goja.Callable

	// Exactly one of job, done or value supplies the result.
	job   goja.Callable
	done  chan workerResult
	value any
	ready bool
}

type workerResult struct {
	value any
	err   error
}

// result produces the value handed to the callback. Script jobs run on the
// execution context; worker results are awaited on their handoff channel.
func (t *Task) result(ctx context.Context, ec *engine.Context) (any, error) {
	switch {
	case t.ready:
		return t.value, nil
	case t.job != nil:
		return ec.Call(t.job)
	case t.done != nil:
		select {
		case r := <-t.done:
			return r.value, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return goja.Undefined(), nil
	}
}

func (t *Task) wrap(stage string, err error) error {
	if execErr, ok := err.(*engine.ExecutionError); ok {
		if execErr.Module == "" {
			execErr.Module = string(t.Owner)
		}
		return fmt.Errorf("task %d %s: %w", t.ID, stage, execErr)
	}
	return fmt.Errorf("task %d %s: %w", t.ID, stage, &engine.ExecutionError{
		Module:  string(t.Owner),
		Message: err.Error(),
		Cause:   err,
	})
}
