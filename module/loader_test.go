package module

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/caffeineduck/gocjs/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, files map[string]string, opts ...LoaderOption) (*Loader, *engine.Context) {
	t.Helper()
	fsys := fstest.MapFS{}
	for name, src := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(src)}
	}
	ctx := engine.New()
	return NewLoader(ctx, NewFSSource(fsys), opts...), ctx
}

func global(t *testing.T, ctx *engine.Context, name string) any {
	t.Helper()
	return ctx.Runtime().Get(name).Export()
}

func TestLoadEntryExports(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `exports.answer = 42;`,
	})

	rec, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, rec.State())
	assert.True(t, rec.IsEntry)
	assert.Same(t, rec, l.Main())
	assert.Equal(t, int64(42), rec.Exports().ToObject(ctx.Runtime()).Get("answer").Export())
	assert.Equal(t, true, rec.Module.Get("loaded").Export())
	assert.Equal(t, Identity("/app"), l.Resolver().Root())
}

func TestRequireIsCached(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `
			globalThis.same = require('./counter') === require('./counter.js');
			globalThis.count = require('./counter').count;
		`,
		"app/counter.js": `
			globalThis.evaluations = (globalThis.evaluations || 0) + 1;
			exports.count = globalThis.evaluations;
		`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, true, global(t, ctx, "same"))
	assert.Equal(t, int64(1), global(t, ctx, "evaluations"))
	assert.Equal(t, int64(1), global(t, ctx, "count"))
	assert.Equal(t, 2, l.Cache().Len())
}

func TestModuleBindings(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `
			globalThis.mainFile = __filename;
			globalThis.mainDir = __dirname;
			require('./lib/child');
		`,
		"app/lib/child.js": `
			globalThis.childFile = __filename;
			globalThis.childDir = __dirname;
			globalThis.childId = module.id;
			globalThis.thisIsExports = this === exports && exports === module.exports;
		`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, "/app/main.js", global(t, ctx, "mainFile"))
	assert.Equal(t, "/app", global(t, ctx, "mainDir"))
	assert.Equal(t, "/app/lib/child.js", global(t, ctx, "childFile"))
	assert.Equal(t, "/app/lib", global(t, ctx, "childDir"))
	assert.Equal(t, "/app/lib/child.js", global(t, ctx, "childId"))
	assert.Equal(t, true, global(t, ctx, "thisIsExports"))
}

func TestModuleExportsReassignment(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `globalThis.result = require('./fn')(2);`,
		"app/fn.js":   `module.exports = function (x) { return x * 21; };`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, int64(42), global(t, ctx, "result"))
}

func TestRequireMain(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `
			globalThis.entryIsMain = require.main === module;
			require('./other');
		`,
		"app/other.js": `
			globalThis.otherIsMain = require.main === module;
			globalThis.otherSeesEntry = require.main.id === '/app/main.js';
		`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, true, global(t, ctx, "entryIsMain"))
	assert.Equal(t, false, global(t, ctx, "otherIsMain"))
	assert.Equal(t, true, global(t, ctx, "otherSeesEntry"))
}

func TestRequireResolve(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `globalThis.resolved = require.resolve('./lib');`,
		"app/lib.js":  ``,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, "/app/lib.js", global(t, ctx, "resolved"))

	rec, ok := l.Cache().Get("/app/lib.js")
	assert.False(t, ok, "resolve must not load")
	assert.Nil(t, rec)
}

func TestCircularRequireSeesPartialExports(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/a.js": `
			exports.early = 'a-early';
			const b = require('./b');
			exports.late = 'a-late';
			globalThis.bSawEarly = b.sawEarly;
			globalThis.bSawLate = b.sawLate;
		`,
		"app/b.js": `
			const a = require('./a');
			exports.sawEarly = a.early;
			exports.sawLate = a.late === undefined ? 'missing' : a.late;
		`,
	})

	rec, err := l.LoadEntry("/app/a.js")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, rec.State())
	assert.Equal(t, "a-early", global(t, ctx, "bSawEarly"))
	assert.Equal(t, "missing", global(t, ctx, "bSawLate"))
	assert.Equal(t, 2, l.Cache().Len())
}

func TestRequireUnresolvable(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `
			try {
				require('./nope');
			} catch (e) {
				globalThis.caught = e.message;
			}
		`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Contains(t, global(t, ctx, "caught"), `cannot find module "./nope"`)
	assert.Equal(t, 1, l.Cache().Len())
}

func TestFailedModuleRethrows(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js": `
			globalThis.errors = [];
			for (let i = 0; i < 2; i++) {
				try { require('./broken'); } catch (e) { globalThis.errors.push(String(e)); }
			}
		`,
		"app/broken.js": `
			globalThis.brokenRuns = (globalThis.brokenRuns || 0) + 1;
			throw new Error('boom');
		`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, int64(1), global(t, ctx, "brokenRuns"))

	errs := global(t, ctx, "errors").([]any)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "boom")
	assert.Contains(t, errs[1], "boom")

	rec, ok := l.Cache().Get("/app/broken.js")
	require.True(t, ok)
	assert.Equal(t, StateFailed, rec.State())
	assert.ErrorIs(t, rec.Err(), engine.ErrExecution)
}

func TestEntryFailure(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{
		"app/main.js": `throw new TypeError('bad entry');`,
	})

	rec, err := l.LoadEntry("/app/main.js")
	require.Error(t, err)
	assert.Equal(t, StateFailed, rec.State())

	var execErr *engine.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Message, "bad entry")
	assert.Equal(t, "/app/main.js", execErr.Module)

	again, err2 := l.Load(rec.ID, true)
	assert.Same(t, rec, again)
	assert.Equal(t, err, err2)
}

func TestLoadEntryNotFound(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{})
	_, err := l.LoadEntry("/app/main.js")
	assert.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, 0, l.Cache().Len())
}

func TestNestedFailurePropagates(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{
		"app/main.js": `require('./missing-dep');`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestJSONModule(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js":     `globalThis.name = require('./config').name;`,
		"app/config.json": `{"name": "gocjs", "tags": ["a"]}`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, "gocjs", global(t, ctx, "name"))

	rec, ok := l.Cache().Get("/app/config.json")
	require.True(t, ok)
	assert.Equal(t, StateLoaded, rec.State())
}

func TestInvalidJSONModule(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{
		"app/main.js":  `require('./bad.json');`,
		"app/bad.json": `{nope`,
	})

	_, err := l.LoadEntry("/app/main.js")
	require.Error(t, err)

	rec, ok := l.Cache().Get("/app/bad.json")
	require.True(t, ok)
	assert.Equal(t, StateFailed, rec.State())
}

func TestModulesDir(t *testing.T) {
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js":  `globalThis.v = require('greet').hello;`,
		"lib/greet.js": `exports.hello = 'world';`,
	}, WithModulesDir("/lib"))

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, "world", global(t, ctx, "v"))
	assert.Equal(t, Identity("/lib"), l.Resolver().Root())
}

func TestCustomHandler(t *testing.T) {
	var handled []Identity
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js":  `globalThis.v = require('./data.txt');`,
		"app/data.txt": `plain text`,
	}, WithHandler(".txt", func(rec *Record, src []byte) error {
		handled = append(handled, rec.ID)
		return rec.Module.Set("exports", string(src))
	}))

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, "plain text", global(t, ctx, "v"))
	assert.Equal(t, []Identity{"/app/data.txt"}, handled)
}

func TestObserver(t *testing.T) {
	var observed []string
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js":  `require('./child'); globalThis.done = true;`,
		"app/child.js": `exports.x = 1;`,
		"app/bad.js":   `throw new Error('x');`,
	}, WithObserver(func(rec *Record) {
		observed = append(observed, string(rec.ID)+":"+rec.State().String())
	}))

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, true, global(t, ctx, "done"))

	_, err = l.Load("/app/bad.js", false)
	require.Error(t, err)

	assert.Equal(t, []string{
		"/app/child.js:loaded",
		"/app/main.js:loaded",
		"/app/bad.js:failed",
	}, observed)
	assert.Equal(t, Identity(""), l.Current())
}

func TestCurrentTracksExecutingModule(t *testing.T) {
	var l *Loader
	l, ctx := newTestLoader(t, map[string]string{
		"app/main.js":  `globalThis.before = current(); require('./child'); globalThis.after = current();`,
		"app/child.js": `globalThis.inChild = current();`,
	})
	require.NoError(t, ctx.Set("current", func() string { return string(l.Current()) }))

	_, err := l.LoadEntry("/app/main.js")
	require.NoError(t, err)
	assert.Equal(t, "/app/main.js", global(t, ctx, "before"))
	assert.Equal(t, "/app/child.js", global(t, ctx, "inChild"))
	assert.Equal(t, "/app/main.js", global(t, ctx, "after"))
}
