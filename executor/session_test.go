package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/caffeineduck/gocjs/bridge"
	"github.com/caffeineduck/gocjs/config"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/caffeineduck/gocjs/module"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, opts ...ExecutorOption) *Executor {
	t.Helper()
	exec, err := New(hostfunc.NewRegistry(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	return exec
}

func newTestSession(t *testing.T, exec *Executor, files map[string]string, opts ...SessionOption) *Session {
	t.Helper()
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	opts = append([]SessionOption{WithSource(module.NewFSSource(fsys))}, opts...)

	session, err := exec.NewSession(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func TestSessionStatePersists(t *testing.T) {
	exec := newTestExecutor(t)
	session := newTestSession(t, exec, map[string]string{
		"setup.js": `globalThis.counter = 41; $send("setup")`,
		"use.js":   `counter++; $send(String(counter))`,
	})

	result := session.Run(context.Background(), "/setup.js")
	require.NoError(t, result.Error)
	assert.Equal(t, []string{"setup"}, result.Messages)

	result = session.Run(context.Background(), "/use.js")
	require.NoError(t, result.Error)
	assert.Equal(t, []string{"42"}, result.Messages)

	// already loaded; the body does not run again
	result = session.Run(context.Background(), "/use.js")
	require.NoError(t, result.Error)
	assert.Empty(t, result.Messages)
	assert.Equal(t, 2, session.Cache().Len())
}

func TestSessionSend(t *testing.T) {
	exec := newTestExecutor(t)
	session := newTestSession(t, exec, map[string]string{
		"server.js": `
var seen = 0;
$recv(function (msg) {
  seen++;
  $send("got " + msg + " #" + seen);
  $task(function () { $send("followup " + seen) });
});
`,
	})

	result := session.Send(context.Background(), "early")
	assert.ErrorIs(t, result.Error, ErrNoReceiver)

	result = session.Run(context.Background(), "/server.js")
	require.NoError(t, result.Error)
	assert.Empty(t, result.Messages)

	result = session.Send(context.Background(), "ping")
	require.NoError(t, result.Error)
	assert.Equal(t, []string{"got ping #1", "followup 1"}, result.Messages)

	result = session.Send(context.Background(), "pong")
	require.NoError(t, result.Error)
	assert.Equal(t, []string{"got pong #2", "followup 2"}, result.Messages)
}

func TestSessionSendSync(t *testing.T) {
	exec := newTestExecutor(t)

	var asked []string
	session := newTestSession(t, exec, map[string]string{
		"main.js": `
$recvSync(function (msg) {
  return $sendSync("upper:" + msg) + "!";
});
`,
	}, WithSyncHandler(func(msg string) (string, error) {
		asked = append(asked, msg)
		if msg == "upper:fail" {
			return "", errors.New("host refused")
		}
		return strings.ToUpper(strings.TrimPrefix(msg, "upper:")), nil
	}))

	_, err := session.SendSync(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoReceiver)

	require.NoError(t, session.Run(context.Background(), "/main.js").Error)

	reply, err := session.SendSync(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "HELLO!", reply)

	_, err = session.SendSync(context.Background(), "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host refused")
	assert.Equal(t, []string{"upper:hello", "upper:fail"}, asked)
}

func TestSessionClosed(t *testing.T) {
	exec := newTestExecutor(t)
	session := newTestSession(t, exec, map[string]string{"main.js": `$send("x")`})

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	result := session.Run(context.Background(), "/main.js")
	assert.ErrorIs(t, result.Error, ErrSessionClosed)

	_, err := session.SendSync(context.Background(), "x")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionIDs(t *testing.T) {
	exec := newTestExecutor(t)

	a := newTestSession(t, exec, nil)
	b := newTestSession(t, exec, nil)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())

	c := newTestSession(t, exec, nil, WithSessionID("fixed"))
	assert.Equal(t, "fixed", c.ID())
}

func TestSessionCapabilities(t *testing.T) {
	exec := newTestExecutor(t)

	plain := newTestSession(t, exec, nil)
	assert.Equal(t, []string{"time_now"}, plain.registry.List())

	dir := t.TempDir()
	full := newTestSession(t, exec, nil,
		WithSessionKV(),
		WithSessionAllowedHosts([]string{"example.com"}),
		WithSessionMount("/data", dir, hostfunc.MountReadOnly),
	)
	names := full.registry.List()
	for _, name := range []string{"kv_get", "kv_set", "http_request", "http_get", "fs_read", "fs_list"} {
		assert.Contains(t, names, name)
	}
	assert.NotContains(t, names, "fs_write")

	_, ok := exec.Registry().Get("kv_get")
	assert.False(t, ok, "session capabilities must not leak into the executor registry")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	exec := newTestExecutor(t, WithMetricsRegistry(reg))
	m := exec.Metrics()

	session := newTestSession(t, exec, map[string]string{
		"main.js": `
require("./dep");
$send("a");
$task(function () { $send("b") });
$task(function () { throw new Error("c") });
`,
		"dep.js": `exports.ok = true;`,
		"bad.js": `throw new Error("bad")`,
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	result := session.Run(context.Background(), "/main.js")
	require.NoError(t, result.Error)
	require.Len(t, result.TaskErrors, 1)

	result = session.Run(context.Background(), "/bad.js")
	require.Error(t, result.Error)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ModulesLoaded.WithLabelValues("loaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModulesLoaded.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesEmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksDrained.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksDrained.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))

	require.NoError(t, session.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))

	count, err := testutil.GatherAndCount(reg, "gocjs_sessions_active", "gocjs_messages_emitted_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWithConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ModulesDir = "/lib"
	cfg.MaxCallStack = 64

	exec := newTestExecutor(t, WithConfig(cfg), WithConfig(nil))
	assert.Equal(t, cfg.Timeout, exec.cfg.timeout)

	session := newTestSession(t, exec, map[string]string{
		"app/main.js": `$send(require("util").name)`,
		"lib/util.js": `exports.name = "util from lib"`,
		"deep.js":     `function f(n) { return f(n + 1) } f(0)`,
	})
	result := session.Run(context.Background(), "/app/main.js")
	require.NoError(t, result.Error)
	assert.Equal(t, []string{"util from lib"}, result.Messages)

	result = session.Run(context.Background(), "/deep.js")
	require.Error(t, result.Error)
}

func TestWriterSinkReceivesMessages(t *testing.T) {
	exec := newTestExecutor(t)

	var buf strings.Builder
	session := newTestSession(t, exec, map[string]string{"main.js": `$send("one"); $send("two")`},
		WithSink(bridge.NewWriterSink(&buf)),
	)
	require.NoError(t, session.Run(context.Background(), "/main.js").Error)
	assert.Equal(t, "one\ntwo\n", buf.String())
}

func TestSessionHostFunctionsSeeLiveContext(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("ctx_err", func(ctx context.Context, args map[string]any) (any, error) {
		return fmt.Sprint(ctx.Err()), nil
	})
	exec, err := New(registry)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })

	var sent []string
	session := newTestSession(t, exec, map[string]string{
		"main.js": `
$send("run " + $call("ctx_err", {}));
$recv(function () { $send("recv " + $call("ctx_err", {})) });
$recvSync(function () {
  $async("ctx_err", {}, function (v) { $send("async " + v) });
  return "sync " + $call("ctx_err", {});
});
`,
	}, WithSink(bridge.SinkFunc(func(msg bridge.Message) {
		sent = append(sent, msg.Body)
	})))

	require.NoError(t, session.Run(context.Background(), "/main.js").Error)
	require.NoError(t, session.Send(context.Background(), "x").Error)

	for i := 0; i < 2; i++ {
		reply, err := session.SendSync(context.Background(), "x")
		require.NoError(t, err)
		assert.Equal(t, "sync <nil>", reply)
	}
	assert.Equal(t, []string{"run <nil>", "recv <nil>", "async <nil>", "async <nil>"}, sent)
}

func TestSessionCloseInterruptsRun(t *testing.T) {
	exec := newTestExecutor(t)

	started := make(chan string, 1)
	session := newTestSession(t, exec, map[string]string{
		"loop.js": `$send("started"); for (;;) {}`,
	}, WithSessionTimeout(0), WithSink(bridge.ChanSink(started)))

	done := make(chan Result, 1)
	go func() { done <- session.Run(context.Background(), "/loop.js") }()

	<-started
	require.NoError(t, session.Close())

	result := <-done
	assert.ErrorIs(t, result.Error, ErrSessionClosed)
	assert.Equal(t, []string{"started"}, result.Messages)
	assert.Equal(t, float64(0), testutil.ToFloat64(exec.Metrics().SessionsActive))
}
