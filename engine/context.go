// Package engine wraps a goja runtime as the single-threaded execution
// context that module bodies and task callbacks run in.
package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Module bodies are wrapped on the same line as their first statement so
// that line numbers in stack traces match the source file.
const (
	wrapperHead = "(function (exports, require, module, __filename, __dirname) { "
	wrapperTail = "\n})"
)

// Environment is the set of bindings injected into one module body. A fresh
// Environment is built for every module; nothing here is shared globally.
type Environment struct {
	Exports  goja.Value
	Require  goja.Value
	Module   *goja.Object
	Filename string
	Dirname  string
}

// Context is a goja runtime plus the helpers needed to run CommonJS module
// bodies and callbacks. It is not safe for concurrent use; callers serialize
// access.
type Context struct {
	vm        *goja.Runtime
	logger    *zap.Logger
	jsonParse goja.Callable

	interruptMu sync.Mutex
}

// Option configures a Context.
type Option func(*Context)

// WithLogger routes console output and engine diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxCallStackSize caps the script call stack depth. Zero keeps the goja default.
func WithMaxCallStackSize(size int) Option {
	return func(c *Context) {
		if size > 0 {
			c.vm.SetMaxCallStackSize(size)
		}
	}
}

// New creates an execution context with console bindings installed.
func New(opts ...Option) *Context {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	c := &Context{
		vm:     vm,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	c.jsonParse = parse

	c.installConsole()
	return c
}

// Runtime exposes the underlying goja runtime.
func (c *Context) Runtime() *goja.Runtime {
	return c.vm
}

// Set defines a global binding.
func (c *Context) Set(name string, value any) error {
	return c.vm.Set(name, value)
}

// NewObject returns an empty script object.
func (c *Context) NewObject() *goja.Object {
	return c.vm.NewObject()
}

// ToValue converts a Go value to a script value.
func (c *Context) ToValue(v any) goja.Value {
	return c.vm.ToValue(v)
}

// Function wraps fn as a script function object, so properties such as
// require.main can be attached to it.
func (c *Context) Function(fn func(goja.FunctionCall) goja.Value) *goja.Object {
	return c.vm.ToValue(fn).ToObject(c.vm)
}

// Throw raises err inside the script as an Error whose Go value is kept, so
// it can be recovered with errors.As once it leaves the engine again.
func (c *Context) Throw(err error) {
	panic(c.vm.NewGoError(err))
}

// ThrowTypeError raises a TypeError inside the script.
func (c *Context) ThrowTypeError(msg string) {
	panic(c.vm.NewTypeError(msg))
}

// RunModule compiles src as a CommonJS module body and invokes it with env.
func (c *Context) RunModule(env *Environment, src string) error {
	prg, err := goja.Compile(env.Filename, wrapperHead+stripShebang(src)+wrapperTail, false)
	if err != nil {
		return wrapError(env.Filename, err)
	}

	fnValue, err := c.vm.RunProgram(prg)
	if err != nil {
		return wrapError(env.Filename, err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return &ExecutionError{Module: env.Filename, Message: "module wrapper is not a function"}
	}

	_, err = fn(env.Exports,
		env.Exports,
		env.Require,
		env.Module,
		c.vm.ToValue(env.Filename),
		c.vm.ToValue(env.Dirname),
	)
	if err != nil {
		return wrapError(env.Filename, err)
	}
	return nil
}

// Call invokes a script function. Arguments that are not already script
// values are converted with ToValue.
func (c *Context) Call(fn goja.Callable, args ...any) (goja.Value, error) {
	values := make([]goja.Value, len(args))
	for i, arg := range args {
		if v, ok := arg.(goja.Value); ok {
			values[i] = v
			continue
		}
		values[i] = c.vm.ToValue(arg)
	}

	v, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, wrapError("", err)
	}
	return v, nil
}

// ParseJSON parses src with the script's own JSON.parse.
func (c *Context) ParseJSON(name, src string) (goja.Value, error) {
	v, err := c.jsonParse(goja.Undefined(), c.vm.ToValue(src))
	if err != nil {
		return nil, wrapError(name, err)
	}
	return v, nil
}

// Watch interrupts running script code when ctx is done. The returned stop
// function must be called once the guarded execution returned; it also
// clears a delivered interrupt so the context stays usable.
func (c *Context) Watch(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			c.interruptMu.Lock()
			c.vm.Interrupt(ctx.Err())
			c.interruptMu.Unlock()
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-finished
		c.interruptMu.Lock()
		c.vm.ClearInterrupt()
		c.interruptMu.Unlock()
	}
}

// Interrupt stops running script code with err, which becomes the Cause of
// the resulting ExecutionError. It stays pending until a Watch stop clears
// it, so code started afterwards is interrupted too.
func (c *Context) Interrupt(err error) {
	c.interruptMu.Lock()
	c.vm.Interrupt(err)
	c.interruptMu.Unlock()
}

func (c *Context) installConsole() {
	console := c.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, c.consoleFunc(level))
	}
	_ = c.vm.Set("console", console)
}

func (c *Context) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		switch level {
		case "warn":
			c.logger.Warn(msg, zap.String("source", "console"))
		case "error":
			c.logger.Error(msg, zap.String("source", "console"))
		case "debug":
			c.logger.Debug(msg, zap.String("source", "console"))
		default:
			c.logger.Info(msg, zap.String("source", "console"))
		}
		return goja.Undefined()
	}
}

func stripShebang(src string) string {
	if !strings.HasPrefix(src, "#!") {
		return src
	}
	if idx := strings.IndexByte(src, '\n'); idx != -1 {
		return "//" + src[2:idx] + src[idx:]
	}
	return ""
}
