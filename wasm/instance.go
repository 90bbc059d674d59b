package wasm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zapio"
)

var ErrNoFunction = errors.New("no such exported function")

// Function describes an exported function.
type Function struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Instance is one instantiated module. Calls are serialized.
type Instance struct {
	mod      api.Module
	compiled wazero.CompiledModule
	outputs  []*zapio.Writer

	mu     sync.Mutex
	closed bool
}

// Functions returns the exported functions sorted by name.
func (i *Instance) Functions() []Function {
	defs := i.compiled.ExportedFunctions()
	out := make([]Function, 0, len(defs))
	for name, def := range defs {
		out = append(out, Function{
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Call invokes the exported function name. Script numbers arrive as
// float64 and are converted to each parameter's type; missing arguments are
// zero. Results come back as int64 for integer types and float64 otherwise.
func (i *Instance) Call(ctx context.Context, name string, args ...float64) ([]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, ErrClosed
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFunction, name)
	}

	def := fn.Definition()
	params := make([]uint64, len(def.ParamTypes()))
	for n, t := range def.ParamTypes() {
		var v float64
		if n < len(args) {
			v = args[n]
		}
		params[n] = encode(t, v)
	}

	raw, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	results := make([]any, len(raw))
	for n, t := range def.ResultTypes() {
		results[n] = decode(t, raw[n])
	}
	return results, nil
}

func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	for _, w := range i.outputs {
		w.Close()
	}
	return i.mod.Close(ctx)
}

func encode(t api.ValueType, v float64) uint64 {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v))
	case api.ValueTypeI64:
		return api.EncodeI64(int64(v))
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v))
	case api.ValueTypeF64:
		return api.EncodeF64(v)
	default:
		return 0
	}
}

func decode(t api.ValueType, v uint64) any {
	switch t {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(v))
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	default:
		return v
	}
}
