package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caffeineduck/gocjs/bridge"
	"github.com/caffeineduck/gocjs/engine"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/caffeineduck/gocjs/module"
	"github.com/caffeineduck/gocjs/scheduler"
	"github.com/caffeineduck/gocjs/wasm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNoReceiver    = errors.New("no receiver registered")
)

// Session is one execution context with its own module cache, global scope
// and task queue. Runs on a session are serialized; globals, loaded modules
// and registered receivers survive between them.
type Session struct {
	id       string
	exec     *Executor
	cfg      sessionConfig
	logger   *zap.Logger
	registry *hostfunc.Registry

	ec       *engine.Context
	loader   *module.Loader
	bridge   *bridge.Bridge
	endpoint *bridge.Endpoint
	sched    *scheduler.Scheduler

	mu        sync.Mutex
	execMu    sync.Mutex
	closed    bool
	runCtx    context.Context
	instances []*wasm.Instance
}

// NewSession creates a session. Capabilities given as options are
// registered on a copy of the executor's registry, so they are visible to
// this session only.
func (e *Executor) NewSession(opts ...SessionOption) (*Session, error) {
	if e.isClosed() {
		return nil, ErrExecutorClosed
	}

	cfg := e.defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	s := &Session{
		id:       cfg.id,
		exec:     e,
		cfg:      cfg,
		logger:   e.logger.With(zap.String("session", cfg.id)),
		registry: e.registry.Clone(),
		runCtx:   context.Background(),
	}

	s.ec = engine.New(
		engine.WithLogger(s.logger.Named("console")),
		engine.WithMaxCallStackSize(cfg.maxCallStack),
	)

	source := s.registerHostFunctions()

	s.bridge = cfg.bridge
	if s.bridge == nil {
		s.bridge = s.newBridge()
	}

	var err error
	s.endpoint, err = s.bridge.Install(s.ec)
	if err != nil {
		return nil, fmt.Errorf("install bridge: %w", err)
	}

	s.loader = module.NewLoader(s.ec, source,
		module.WithModulesDir(cfg.modulesDir),
		module.WithLogger(s.logger),
		module.WithObserver(e.metrics.moduleFinished),
		module.WithHandler(".wasm", s.loadWasm),
	)

	s.sched, err = scheduler.New(s.ec, s.loader, s.endpoint,
		scheduler.WithRegistry(s.registry),
		scheduler.WithLogger(s.logger),
		scheduler.WithObserver(e.metrics.taskFinished),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	e.metrics.SessionsActive.Inc()
	s.logger.Debug("session created", zap.Strings("functions", s.registry.List()))
	return s, nil
}

// registerHostFunctions adds the session's capabilities to its registry and
// returns the source modules are loaded from.
func (s *Session) registerHostFunctions() module.Source {
	s.registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	if s.cfg.kvEnabled {
		kv := s.cfg.kvStore
		if kv == nil {
			kv = hostfunc.NewKV(s.cfg.kvConfig)
		}
		kv.Register(s.registry)
	}

	if len(s.cfg.httpConfig.AllowedHosts) > 0 {
		hostfunc.NewHTTP(s.cfg.httpConfig).Register(s.registry)
	}

	var mounted module.Source
	if len(s.cfg.mounts) > 0 {
		fs := hostfunc.NewFS(s.cfg.mounts, s.cfg.fsOptions...)
		fs.Register(s.registry)
		mounted = fs
	}

	switch {
	case s.cfg.source != nil:
		return s.cfg.source
	case mounted != nil:
		return mounted
	default:
		return module.NewFSSource(os.DirFS("/"))
	}
}

func (s *Session) newBridge() *bridge.Bridge {
	opts := []bridge.Option{
		bridge.WithLogger(s.logger),
		bridge.WithEmitHook(func(bridge.Message) {
			s.exec.metrics.MessagesEmitted.Inc()
		}),
	}
	if len(s.cfg.sinks) > 0 {
		opts = append(opts, bridge.WithSink(bridge.MultiSink(s.cfg.sinks...)))
	}
	if s.cfg.errSink != nil {
		opts = append(opts, bridge.WithErrorSink(s.cfg.errSink))
	}
	if s.cfg.syncHandler != nil {
		opts = append(opts, bridge.WithSyncHandler(s.cfg.syncHandler))
	}
	return bridge.New(opts...)
}

func (s *Session) ID() string {
	return s.id
}

// Cache returns the session's module cache.
func (s *Session) Cache() *module.Cache {
	return s.loader.Cache()
}

// Run loads entry as the main module and drains the task queue. An entry
// already loaded by an earlier Run is not executed again.
func (s *Session) Run(ctx context.Context, entry string) Result {
	return s.do(ctx, func(ctx context.Context) error {
		err := s.sched.Run(ctx, entry)
		if err == nil && s.cfg.exitMessage != "" {
			s.endpoint.Emit(s.cfg.exitMessage)
		}
		return err
	})
}

// Send delivers msg to the function registered with $recv as a task and
// drains the queue.
func (s *Session) Send(ctx context.Context, msg string) Result {
	return s.do(ctx, func(ctx context.Context) error {
		recv, ok := s.endpoint.Receiver()
		if !ok {
			return ErrNoReceiver
		}
		return s.sched.Deliver(ctx, recv, msg)
	})
}

// SendSync calls the function registered with $recvSync and returns its
// result as a string. Tasks it schedules are drained before returning.
// Messages emitted meanwhile reach the sinks only.
func (s *Session) SendSync(ctx context.Context, msg string) (string, error) {
	var reply string
	res := s.do(ctx, func(ctx context.Context) error {
		recv, ok := s.endpoint.SyncReceiver()
		if !ok {
			return ErrNoReceiver
		}

		v, err := s.sched.Invoke(ctx, recv, msg)
		if v != nil {
			reply = v.String()
		}
		return err
	})
	return reply, res.Error
}

func (s *Session) do(ctx context.Context, fn func(context.Context) error) Result {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	start := time.Now()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{Error: ErrSessionClosed, Duration: time.Since(start)}
	}

	parent := ctx
	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}
	s.setRunContext(ctx)
	defer s.setRunContext(context.Background())

	err := fn(ctx)
	// the caller's own deadline is reported as is
	if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timeout after %v: %w", s.cfg.timeout, context.DeadlineExceeded)
	}

	messages, taskErrs := s.endpoint.Drain()
	elapsed := time.Since(start)
	s.exec.metrics.RunDuration.Observe(elapsed.Seconds())

	if err != nil {
		s.logger.Debug("run failed", zap.Error(err), zap.Duration("duration", elapsed))
	}

	return Result{
		Messages:   messages,
		TaskErrors: taskErrs,
		Duration:   elapsed,
		Error:      err,
	}
}

func (s *Session) setRunContext(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
}

func (s *Session) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// Close abandons pending tasks, interrupts a run in progress and, once it
// returned, releases the session's WASM instances.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sched.Close()
	s.ec.Interrupt(ErrSessionClosed)

	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	instances := s.instances
	s.instances = nil
	s.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		errs = append(errs, inst.Close(context.Background()))
	}
	s.exec.metrics.SessionsActive.Dec()
	s.logger.Debug("session closed")
	return errors.Join(errs...)
}
