package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/caffeineduck/gocjs/wasm"
	"go.uber.org/zap"
)

var ErrExecutorClosed = errors.New("executor closed")

// Result holds the messages and metadata of one Run, Send or SendSync.
type Result struct {
	// Messages are the $send bodies in emission order.
	Messages []string
	// TaskErrors are task and callback failures that did not stop the run.
	TaskErrors []error
	Duration   time.Duration
	Error      error
}

// Executor holds what sessions share: the host function registry, the
// wazero runtime and compiled module cache for .wasm modules, the logger and
// the metrics.
type Executor struct {
	cfg      executorConfig
	registry *hostfunc.Registry
	wasm     *wasm.Host
	logger   *zap.Logger
	metrics  *Metrics

	mu     sync.RWMutex
	closed bool
}

// New creates an Executor. Functions in registry are available to every
// session through $call and $async; a nil registry is allowed.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	host, err := wasm.New(context.Background(), cfg.wasmOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create wasm host: %w", err)
	}

	if registry == nil {
		registry = hostfunc.NewRegistry()
	}

	return &Executor{
		cfg:      cfg,
		registry: registry,
		wasm:     host,
		logger:   cfg.logger,
		metrics:  NewMetrics(cfg.metricsRegistry),
	}, nil
}

// Run executes entry in a fresh session that is closed afterwards.
func (e *Executor) Run(ctx context.Context, entry string, opts ...SessionOption) Result {
	start := time.Now()

	s, err := e.NewSession(opts...)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}
	defer s.Close()

	return s.Run(ctx, entry)
}

func (e *Executor) Metrics() *Metrics {
	return e.metrics
}

func (e *Executor) Registry() *hostfunc.Registry {
	return e.registry
}

// Close releases the wazero runtime. Sessions must not be used afterwards.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.wasm.Close(context.Background())
}

func (e *Executor) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
