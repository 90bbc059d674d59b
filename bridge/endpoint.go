package bridge

import (
	"sync"

	"github.com/caffeineduck/gocjs/engine"
	"github.com/dop251/goja"
)

// Endpoint is the bridge as seen by one execution context. It keeps the
// messages and reported errors of the current run and the receivers the
// script registered.
type Endpoint struct {
	bridge *Bridge
	ctx    *engine.Context

	mu       sync.Mutex
	messages []Message
	errs     []error
	recv     goja.Callable
	recvSync goja.Callable
}

// Install defines $send, $sendSync, $recv and $recvSync in ctx.
func (b *Bridge) Install(ctx *engine.Context) (*Endpoint, error) {
	e := &Endpoint{bridge: b, ctx: ctx}

	bindings := map[string]func(goja.FunctionCall) goja.Value{
		"$send":     e.send,
		"$sendSync": e.sendSync,
		"$recv":     e.register(&e.recv, "$recv"),
		"$recvSync": e.register(&e.recvSync, "$recvSync"),
	}
	for name, fn := range bindings {
		if err := ctx.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Bridge returns the bridge the endpoint emits through.
func (e *Endpoint) Bridge() *Bridge { return e.bridge }

// Emit sends body through the bridge and records it for the current run.
func (e *Endpoint) Emit(body string) Message {
	msg := e.bridge.Emit(body)
	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
	return msg
}

// Report forwards err to the bridge's error sink and records it for the
// current run.
func (e *Endpoint) Report(err error) {
	if err == nil {
		return
	}
	e.bridge.Report(err)
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

// Messages returns the bodies emitted since the last Drain.
func (e *Endpoint) Messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return bodies(e.messages)
}

// Drain returns and clears the run log.
func (e *Endpoint) Drain() ([]string, []error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs, errs := bodies(e.messages), e.errs
	e.messages, e.errs = nil, nil
	return msgs, errs
}

// Receiver returns the function registered with $recv.
func (e *Endpoint) Receiver() (goja.Callable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recv, e.recv != nil
}

// SyncReceiver returns the function registered with $recvSync.
func (e *Endpoint) SyncReceiver() (goja.Callable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvSync, e.recvSync != nil
}

func (e *Endpoint) send(call goja.FunctionCall) goja.Value {
	e.Emit(messageArg(e.ctx, call, "$send"))
	return goja.Undefined()
}

func (e *Endpoint) sendSync(call goja.FunctionCall) goja.Value {
	reply, err := e.bridge.SendSync(messageArg(e.ctx, call, "$sendSync"))
	if err != nil {
		e.ctx.Throw(err)
	}
	return e.ctx.ToValue(reply)
}

func (e *Endpoint) register(slot *goja.Callable, name string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			e.ctx.ThrowTypeError(name + " expects a function")
		}
		e.mu.Lock()
		*slot = fn
		e.mu.Unlock()
		return goja.Undefined()
	}
}

func messageArg(ctx *engine.Context, call goja.FunctionCall, name string) string {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		ctx.ThrowTypeError(name + " expects a message")
	}
	return arg.String()
}

func bodies(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
