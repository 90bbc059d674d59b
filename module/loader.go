package module

import (
	"time"

	"github.com/caffeineduck/gocjs/engine"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Handler loads a non-script module (by extension) by assigning
// rec.Module's exports from src.
type Handler func(rec *Record, src []byte) error

// Loader produces executed module records, reusing the cache. One Loader
// owns one module graph and must only be used from the goroutine that runs
// its engine.Context.
type Loader struct {
	ctx      *engine.Context
	source   Source
	cache    *Cache
	resolver *Resolver
	handlers map[string]Handler
	logger   *zap.Logger
	observer func(*Record)

	main  *Record
	stack []Identity
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithModulesDir fixes the modules root for bare specifiers. Without it the
// entry module's directory is used.
func WithModulesDir(dir string) LoaderOption {
	return func(l *Loader) {
		if dir != "" {
			l.resolver.SetRoot(dir)
		}
	}
}

// WithHandler registers a handler for modules whose identity ends in ext.
// Handlers are only reachable if the resolver probes ext or the specifier
// names it.
func WithHandler(ext string, h Handler) LoaderOption {
	return func(l *Loader) {
		l.handlers[ext] = h
	}
}

// WithLogger sets the logger used for load diagnostics.
func WithLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithObserver is called once per record when it reaches Loaded or Failed.
func WithObserver(fn func(*Record)) LoaderOption {
	return func(l *Loader) {
		l.observer = fn
	}
}

// NewLoader creates a loader with its own cache over src.
func NewLoader(ctx *engine.Context, src Source, opts ...LoaderOption) *Loader {
	l := &Loader{
		ctx:      ctx,
		source:   src,
		cache:    NewCache(),
		resolver: NewResolver(src, ""),
		handlers: make(map[string]Handler),
		logger:   zap.NewNop(),
	}
	l.handlers[".json"] = l.loadJSON
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cache returns the loader's record arena.
func (l *Loader) Cache() *Cache { return l.cache }

// Resolver returns the loader's resolver.
func (l *Loader) Resolver() *Resolver { return l.resolver }

// Main returns the most recent entry record, or nil.
func (l *Loader) Main() *Record { return l.main }

// Current returns the module whose top-level body is executing, or "".
func (l *Loader) Current() Identity {
	if len(l.stack) == 0 {
		return ""
	}
	return l.stack[len(l.stack)-1]
}

// LoadEntry resolves specifier from the modules root and loads it as the
// entry module. If no modules root was configured, the entry's directory
// becomes the root.
func (l *Loader) LoadEntry(specifier string) (*Record, error) {
	id, err := l.resolver.Resolve(specifier, "")
	if err != nil {
		return nil, err
	}
	if l.resolver.Root() == "" {
		l.resolver.SetRoot(id.Dir())
	}
	return l.Load(id, true)
}

// Require resolves specifier relative to from, loads it and returns its
// current exports.
func (l *Loader) Require(specifier string, from Identity) (goja.Value, error) {
	id, err := l.resolver.Resolve(specifier, from)
	if err != nil {
		return nil, err
	}
	rec, err := l.Load(id, false)
	if err != nil {
		return nil, err
	}
	return rec.Exports(), nil
}

// Load returns the record for id, executing it first if it was not in the
// cache. A record found in any state is returned as is: Loading records give
// circular requires their partial exports, Failed records re-raise their
// stored error.
func (l *Loader) Load(id Identity, isEntry bool) (*Record, error) {
	rec, existed := l.cache.GetOrCreate(id)
	if existed {
		if rec.State() == StateFailed {
			return rec, rec.Err()
		}
		return rec, nil
	}

	rec.IsEntry = isEntry
	rec.Module = l.newModuleObject(rec)
	if isEntry {
		l.main = rec
	}

	start := time.Now()
	err := l.execute(rec)
	rec.finish(err)

	if err != nil {
		l.logger.Debug("module failed",
			zap.String("module", string(id)),
			zap.Error(err))
	} else {
		_ = rec.Module.Set("loaded", true)
		l.logger.Debug("module loaded",
			zap.String("module", string(id)),
			zap.Bool("entry", isEntry),
			zap.Duration("duration", time.Since(start)))
	}
	if l.observer != nil {
		l.observer(rec)
	}
	return rec, err
}

func (l *Loader) execute(rec *Record) error {
	src, err := l.source.ReadSource(string(rec.ID))
	if err != nil {
		return &SourceNotFoundError{ID: rec.ID, Err: err}
	}

	l.stack = append(l.stack, rec.ID)
	defer func() { l.stack = l.stack[:len(l.stack)-1] }()

	if h, ok := l.handlers[rec.ID.Ext()]; ok {
		return h(rec, src)
	}
	return l.ctx.RunModule(l.environment(rec), string(src))
}

func (l *Loader) newModuleObject(rec *Record) *goja.Object {
	m := l.ctx.NewObject()
	_ = m.Set("id", string(rec.ID))
	_ = m.Set("filename", rec.Filename())
	_ = m.Set("loaded", false)
	_ = m.Set("exports", l.ctx.NewObject())
	return m
}

func (l *Loader) environment(rec *Record) *engine.Environment {
	return &engine.Environment{
		Exports:  rec.Exports(),
		Require:  l.requireFunc(rec),
		Module:   rec.Module,
		Filename: rec.Filename(),
		Dirname:  rec.Dirname(),
	}
}

// requireFunc builds the require bound to rec. require.main is captured here,
// once, from the entry record.
func (l *Loader) requireFunc(rec *Record) *goja.Object {
	from := rec.ID
	req := l.ctx.Function(func(call goja.FunctionCall) goja.Value {
		v, err := l.Require(specifierArg(l.ctx, call), from)
		if err != nil {
			l.ctx.Throw(err)
		}
		return v
	})

	resolve := l.ctx.Function(func(call goja.FunctionCall) goja.Value {
		id, err := l.resolver.Resolve(specifierArg(l.ctx, call), from)
		if err != nil {
			l.ctx.Throw(err)
		}
		return l.ctx.ToValue(string(id))
	})
	_ = req.Set("resolve", resolve)

	if l.main != nil {
		_ = req.Set("main", l.main.Module)
	}
	return req
}

func (l *Loader) loadJSON(rec *Record, src []byte) error {
	v, err := l.ctx.ParseJSON(rec.Filename(), string(src))
	if err != nil {
		return err
	}
	return rec.Module.Set("exports", v)
}

func specifierArg(ctx *engine.Context, call goja.FunctionCall) string {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		ctx.ThrowTypeError("module specifier must be a string")
	}
	return arg.String()
}
