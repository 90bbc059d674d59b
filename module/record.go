// Package module implements CommonJS module resolution, caching and loading
// on top of an engine.Context.
package module

import (
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// Identity is the canonical key of a module: an absolute, cleaned,
// slash-separated path.
type Identity string

// Canonical turns p into an Identity.
func Canonical(p string) Identity {
	p = filepath.ToSlash(p)
	return Identity(path.Clean("/" + strings.TrimPrefix(p, "/")))
}

func (id Identity) String() string { return string(id) }

// Dir is the directory component, exposed to scripts as __dirname.
func (id Identity) Dir() string { return path.Dir(string(id)) }

// Ext is the file extension including the dot.
func (id Identity) Ext() string { return path.Ext(string(id)) }

// State is the lifecycle state of a Record.
type State int

const (
	StateLoading State = iota
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is one module in the cache arena. Module is the script-visible
// module object; its exports property is the module's exports value.
type Record struct {
	ID      Identity
	Module  *goja.Object
	IsEntry bool

	mu    sync.RWMutex
	state State
	err   error
}

// Filename is the full path of the module, exposed as __filename.
func (r *Record) Filename() string { return string(r.ID) }

// Dirname is the directory of the module, exposed as __dirname.
func (r *Record) Dirname() string { return r.ID.Dir() }

// Exports returns the current value of module.exports. While the record is
// loading this may be a partially populated object.
func (r *Record) Exports() goja.Value {
	if r.Module == nil {
		return goja.Undefined()
	}
	return r.Module.Get("exports")
}

// State returns the lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the failure that moved the record to StateFailed.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func (r *Record) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = StateFailed
		r.err = err
		return
	}
	r.state = StateLoaded
}
