package engine

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// ErrExecution matches every *ExecutionError.
var ErrExecution = errors.New("execution error")

// ExecutionError reports a script that threw, failed to compile, or was
// interrupted. Cause holds the Go error carried by the thrown value when the
// throw originated in host code (a failed require, a host function), or the
// interrupt reason.
type ExecutionError struct {
	Module  string
	Message string
	Stack   string
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s: %s", e.Module, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

func wrapError(module string, err error) error {
	var exc *goja.Exception
	var interrupted *goja.InterruptedError
	var syntaxErr *goja.CompilerSyntaxError

	switch {
	case errors.As(err, &interrupted):
		cause, _ := interrupted.Value().(error)
		return &ExecutionError{
			Module:  module,
			Message: "interrupted: " + fmt.Sprint(interrupted.Value()),
			Cause:   cause,
		}
	case errors.As(err, &exc):
		return &ExecutionError{
			Module:  module,
			Message: exc.Value().String(),
			Stack:   exc.String(),
			Cause:   goError(exc.Value()),
		}
	case errors.As(err, &syntaxErr):
		return &ExecutionError{
			Module:  module,
			Message: "SyntaxError: " + syntaxErr.Error(),
			Cause:   err,
		}
	default:
		return &ExecutionError{Module: module, Message: err.Error(), Cause: err}
	}
}

// goError returns the Go error attached to a value created by NewGoError.
func goError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	inner := obj.Get("value")
	if inner == nil {
		return nil
	}
	err, _ := inner.Export().(error)
	return err
}
