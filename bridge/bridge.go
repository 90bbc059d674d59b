// Package bridge carries messages between scripts and the host.
//
// Scripts emit with $send; every emission gets the next sequence number of
// the Bridge and is forwarded to the host Sink while the Bridge lock is
// held, so the host observes messages in call order even when several
// execution contexts share one Bridge. The host talks back through the
// handlers a script registers with $recv and $recvSync.
package bridge

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNoHandler is returned when the host delivers to a script that has not
// registered a receiver.
var ErrNoHandler = errors.New("no handler registered")

// Message is one emission, immutable once created.
type Message struct {
	Seq  uint64
	Body string
}

// SyncHandler answers $sendSync requests. The returned error is thrown
// inside the calling script.
type SyncHandler func(msg string) (string, error)

// DiscardSendSync answers every $sendSync with an empty string.
func DiscardSendSync(string) (string, error) { return "", nil }

type Bridge struct {
	mu      sync.Mutex
	seq     uint64
	sink    Sink
	errSink ErrorSink
	handler SyncHandler
	hooks   []func(Message)
	logger  *zap.Logger
}

type Option func(*Bridge)

func WithSink(s Sink) Option {
	return func(b *Bridge) {
		if s != nil {
			b.sink = s
		}
	}
}

func WithErrorSink(s ErrorSink) Option {
	return func(b *Bridge) {
		if s != nil {
			b.errSink = s
		}
	}
}

func WithSyncHandler(h SyncHandler) Option {
	return func(b *Bridge) {
		if h != nil {
			b.handler = h
		}
	}
}

// WithEmitHook runs fn after every emission, inside the emission lock.
func WithEmitHook(fn func(Message)) Option {
	return func(b *Bridge) {
		b.hooks = append(b.hooks, fn)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New returns a Bridge. Without a sink, messages are only kept in the run
// logs of the installed endpoints.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		sink:    Discard,
		errSink: DiscardErrors,
		handler: DiscardSendSync,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit assigns the next sequence number to body and forwards it to the
// sink. It blocks only as long as the sink does.
func (b *Bridge) Emit(body string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	msg := Message{Seq: b.seq, Body: body}
	b.sink.Send(msg)
	for _, hook := range b.hooks {
		hook(msg)
	}
	return msg
}

// Seq returns the sequence number of the last emission.
func (b *Bridge) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Report forwards a non-fatal failure to the error sink.
func (b *Bridge) Report(err error) {
	if err == nil {
		return
	}
	b.logger.Warn("script task failed", zap.Error(err))
	b.errSink.Report(err)
}

// SendSync passes msg to the host's sync handler.
func (b *Bridge) SendSync(msg string) (string, error) {
	return b.handler(msg)
}
