package executor

import (
	"fmt"

	"github.com/caffeineduck/gocjs/module"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// loadWasm instantiates a .wasm module and exports each of its functions.
// A function with no results returns undefined, one result a number, and
// several an array.
func (s *Session) loadWasm(rec *module.Record, src []byte) error {
	inst, err := s.exec.wasm.Instantiate(s.runContext(), src)
	if err != nil {
		return fmt.Errorf("load %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	s.instances = append(s.instances, inst)
	s.mu.Unlock()

	exports := s.ec.NewObject()
	for _, fn := range inst.Functions() {
		name := fn.Name
		binding := func(call goja.FunctionCall) goja.Value {
			args := make([]float64, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.ToFloat()
			}

			results, err := inst.Call(s.runContext(), name, args...)
			if err != nil {
				s.ec.Throw(err)
			}

			switch len(results) {
			case 0:
				return goja.Undefined()
			case 1:
				return s.ec.ToValue(results[0])
			default:
				return s.ec.ToValue(results)
			}
		}
		if err := exports.Set(name, binding); err != nil {
			return err
		}
	}

	s.logger.Debug("wasm module instantiated",
		zap.String("module", string(rec.ID)),
		zap.Int("functions", len(inst.Functions())))
	return rec.Module.Set("exports", exports)
}
