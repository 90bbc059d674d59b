package bridge

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// Sink receives emitted messages in emission order. Send must not call back
// into the Bridge.
type Sink interface {
	Send(msg Message)
}

type SinkFunc func(msg Message)

func (f SinkFunc) Send(msg Message) { f(msg) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(Message) {})

// ChanSink delivers message bodies on a channel. Sending blocks until the
// host receives, which is the bridge's only backpressure.
type ChanSink chan<- string

func (c ChanSink) Send(msg Message) { c <- msg.Body }

// WriterSink writes each body followed by a newline. Write errors are
// dropped; the first one is kept in Err.
type WriterSink struct {
	W io.Writer

	mu  sync.Mutex
	err error
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{W: w}
}

func (s *WriterSink) Send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.W, msg.Body+"\n"); err != nil && s.err == nil {
		s.err = err
	}
}

func (s *WriterSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LogSink logs every message at info level.
func LogSink(logger *zap.Logger) Sink {
	return SinkFunc(func(msg Message) {
		logger.Info("message from js",
			zap.Uint64("seq", msg.Seq),
			zap.String("body", msg.Body))
	})
}

// MultiSink fans every message out to sinks, in order.
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(msg Message) {
		for _, s := range sinks {
			s.Send(msg)
		}
	})
}

// ErrorSink receives failures that do not stop a run, such as a throwing
// task callback.
type ErrorSink interface {
	Report(err error)
}

type ErrorSinkFunc func(err error)

func (f ErrorSinkFunc) Report(err error) { f(err) }

var DiscardErrors ErrorSink = ErrorSinkFunc(func(error) {})
