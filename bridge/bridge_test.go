package bridge

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/caffeineduck/gocjs/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func run(t *testing.T, ctx *engine.Context, src string) error {
	t.Helper()
	_, err := ctx.Runtime().RunString(src)
	return err
}

func TestEmitOrder(t *testing.T) {
	var got []Message
	b := New(WithSink(SinkFunc(func(m Message) { got = append(got, m) })))

	b.Emit("a")
	b.Emit("b")
	b.Emit("c")

	require.Len(t, got, 3)
	for i, body := range []string{"a", "b", "c"} {
		assert.Equal(t, uint64(i+1), got[i].Seq)
		assert.Equal(t, body, got[i].Body)
	}
	assert.Equal(t, uint64(3), b.Seq())
}

func TestEmitConcurrentKeepsSinkOrder(t *testing.T) {
	var seqs []uint64
	b := New(WithSink(SinkFunc(func(m Message) { seqs = append(seqs, m.Seq) })))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit("x")
			}
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 400)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestSendBinding(t *testing.T) {
	var got []string
	b := New(WithSink(SinkFunc(func(m Message) { got = append(got, m.Body) })))
	ctx := engine.New()
	ep, err := b.Install(ctx)
	require.NoError(t, err)

	require.NoError(t, run(t, ctx, `$send("one"); $send(2); $send("three");`))
	assert.Equal(t, []string{"one", "2", "three"}, got)
	assert.Equal(t, got, ep.Messages())

	msgs, errs := ep.Drain()
	assert.Equal(t, got, msgs)
	assert.Empty(t, errs)
	assert.Empty(t, ep.Messages())
}

func TestSendRequiresMessage(t *testing.T) {
	ctx := engine.New()
	_, err := New().Install(ctx)
	require.NoError(t, err)

	err = run(t, ctx, `$send()`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$send expects a message")
}

func TestSharedBridgeAcrossContexts(t *testing.T) {
	var got []Message
	b := New(WithSink(SinkFunc(func(m Message) { got = append(got, m) })))

	c1, c2 := engine.New(), engine.New()
	e1, err := b.Install(c1)
	require.NoError(t, err)
	e2, err := b.Install(c2)
	require.NoError(t, err)

	require.NoError(t, run(t, c1, `$send("from 1")`))
	require.NoError(t, run(t, c2, `$send("from 2")`))
	require.NoError(t, run(t, c1, `$send("again 1")`))

	require.Len(t, got, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
	assert.Equal(t, []string{"from 1", "again 1"}, e1.Messages())
	assert.Equal(t, []string{"from 2"}, e2.Messages())
}

func TestSendSync(t *testing.T) {
	b := New(WithSyncHandler(func(msg string) (string, error) {
		if msg == "fail" {
			return "", errors.New("host refused")
		}
		return "echo: " + msg, nil
	}))
	ctx := engine.New()
	_, err := b.Install(ctx)
	require.NoError(t, err)

	v, err := ctx.Runtime().RunString(`$sendSync("hi")`)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", v.String())

	v, err = ctx.Runtime().RunString(`
		let caught;
		try { $sendSync("fail") } catch (e) { caught = e.message }
		caught
	`)
	require.NoError(t, err)
	assert.Contains(t, v.String(), "host refused")
}

func TestSendSyncDefaultDiscards(t *testing.T) {
	ctx := engine.New()
	_, err := New().Install(ctx)
	require.NoError(t, err)

	v, err := ctx.Runtime().RunString(`$sendSync("anything")`)
	require.NoError(t, err)
	assert.Equal(t, "", v.String())
}

func TestReceivers(t *testing.T) {
	ctx := engine.New()
	ep, err := New().Install(ctx)
	require.NoError(t, err)

	_, ok := ep.Receiver()
	assert.False(t, ok)

	require.NoError(t, run(t, ctx, `
		$recv(function (msg) { $send("got " + msg) });
		$recvSync(function (msg) { return msg.toUpperCase() });
	`))

	recv, ok := ep.Receiver()
	require.True(t, ok)
	_, err = ctx.Call(recv, "ping")
	require.NoError(t, err)
	assert.Equal(t, []string{"got ping"}, ep.Messages())

	recvSync, ok := ep.SyncReceiver()
	require.True(t, ok)
	v, err := ctx.Call(recvSync, "ping")
	require.NoError(t, err)
	assert.Equal(t, "PING", v.String())
}

func TestRecvRejectsNonFunction(t *testing.T) {
	ctx := engine.New()
	_, err := New().Install(ctx)
	require.NoError(t, err)

	err = run(t, ctx, `$recv("nope")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$recv expects a function")
}

func TestReport(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	var reported []error
	b := New(
		WithErrorSink(ErrorSinkFunc(func(err error) { reported = append(reported, err) })),
		WithLogger(zap.New(core)),
	)
	ep, err := b.Install(engine.New())
	require.NoError(t, err)

	boom := errors.New("boom")
	ep.Report(boom)
	ep.Report(nil)

	assert.Equal(t, []error{boom}, reported)
	assert.Equal(t, 1, logs.Len())
	_, errs := ep.Drain()
	assert.Equal(t, []error{boom}, errs)
}

func TestEmitHook(t *testing.T) {
	var count int
	b := New(WithEmitHook(func(Message) { count++ }))
	b.Emit("a")
	b.Emit("b")
	assert.Equal(t, 2, count)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	b := New(WithSink(NewWriterSink(&buf)))
	b.Emit("first")
	b.Emit("second")
	assert.Equal(t, "first\nsecond\n", buf.String())
}

func TestChanSink(t *testing.T) {
	ch := make(chan string, 2)
	b := New(WithSink(ChanSink(ch)))
	b.Emit("a")
	b.Emit("b")
	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)
}

func TestMultiAndLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var got []string
	b := New(WithSink(MultiSink(
		LogSink(zap.New(core)),
		SinkFunc(func(m Message) { got = append(got, m.Body) }),
	)))

	b.Emit("hello")

	assert.Equal(t, []string{"hello"}, got)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "message from js", entry.Message)
	assert.Equal(t, "hello", entry.ContextMap()["body"])
}
