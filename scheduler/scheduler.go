// Package scheduler runs an entry module and then drains the tasks scripts
// registered with $task and $async until none are left.
//
// All script code runs on the goroutine that called Run, Deliver or Drain.
// Host functions started with $async run on their own goroutine and hand
// their single result back through a buffered channel; the callback is then
// invoked on the execution context like any other task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/gocjs/bridge"
	"github.com/caffeineduck/gocjs/engine"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/caffeineduck/gocjs/module"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var (
	ErrClosed    = errors.New("scheduler closed")
	ErrRunning   = errors.New("scheduler already running")
	ErrAbandoned = errors.New("task abandoned")
)

type State int

const (
	StateNotStarted State = iota
	StateRunningEntry
	StateDrainingTasks
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunningEntry:
		return "running_entry"
	case StateDrainingTasks:
		return "draining_tasks"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

type Scheduler struct {
	ec       *engine.Context
	loader   *module.Loader
	endpoint *bridge.Endpoint
	registry *hostfunc.Registry
	logger   *zap.Logger
	observer func(*Task, error)

	mu      sync.Mutex
	state   State
	closed  bool
	queue   []*Task
	nextID  uint64
	current *Task
	runCtx  context.Context
}

type Option func(*Scheduler)

// WithRegistry makes the registry's functions available to $async and $call.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(s *Scheduler) {
		s.registry = r
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver is called once per task after it completed, failed or was
// abandoned (err is ErrAbandoned).
func WithObserver(fn func(*Task, error)) Option {
	return func(s *Scheduler) {
		s.observer = fn
	}
}

// New creates a scheduler and installs $task, $async and $call into ec.
func New(ec *engine.Context, loader *module.Loader, endpoint *bridge.Endpoint, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		ec:       ec,
		loader:   loader,
		endpoint: endpoint,
		registry: hostfunc.NewRegistry(),
		logger:   zap.NewNop(),
		runCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := ec.Set("$task", s.taskBinding); err != nil {
		return nil, fmt.Errorf("install $task: %w", err)
	}
	if err := ec.Set("$async", s.asyncBinding); err != nil {
		return nil, fmt.Errorf("install $async: %w", err)
	}
	if err := ec.Set("$call", s.callBinding); err != nil {
		return nil, fmt.Errorf("install $call: %w", err)
	}
	return s, nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run loads entry and drains the task queue to a fixed point. If the entry
// fails, tasks it registered are abandoned and the load error is returned.
func (s *Scheduler) Run(ctx context.Context, entry string) error {
	if err := s.begin(ctx, StateRunningEntry); err != nil {
		return err
	}
	defer s.finish()

	stop := s.ec.Watch(ctx)
	defer stop()

	start := time.Now()
	if _, err := s.loader.LoadEntry(entry); err != nil {
		s.abandon()
		return err
	}
	s.logger.Debug("entry loaded",
		zap.String("entry", entry),
		zap.Duration("duration", time.Since(start)),
		zap.Int("pending", s.Pending()))

	s.setState(StateDrainingTasks)
	return s.drain(ctx)
}

// Deliver queues a host-initiated task that invokes callback with value,
// then drains.
func (s *Scheduler) Deliver(ctx context.Context, callback goja.Callable, value any) error {
	if err := s.begin(ctx, StateDrainingTasks); err != nil {
		return err
	}
	defer s.finish()

	s.enqueue(&Task{Callback: callback, value: value, ready: true})

	stop := s.ec.Watch(ctx)
	defer stop()
	return s.drain(ctx)
}

// Invoke calls fn with args and drains the tasks it registered. Host
// functions reached from fn through $call and $async see ctx. If fn throws,
// its tasks are abandoned.
func (s *Scheduler) Invoke(ctx context.Context, fn goja.Callable, args ...any) (goja.Value, error) {
	if err := s.begin(ctx, StateDrainingTasks); err != nil {
		return nil, err
	}
	defer s.finish()

	stop := s.ec.Watch(ctx)
	defer stop()

	v, err := s.ec.Call(fn, args...)
	if err != nil {
		s.abandon()
		return nil, err
	}
	return v, s.drain(ctx)
}

// Drain runs queued tasks until the queue is empty.
func (s *Scheduler) Drain(ctx context.Context) error {
	if err := s.begin(ctx, StateDrainingTasks); err != nil {
		return err
	}
	defer s.finish()

	stop := s.ec.Watch(ctx)
	defer stop()
	return s.drain(ctx)
}

// Close abandons pending tasks. Their callbacks never run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.abandon()
}

func (s *Scheduler) begin(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state == StateRunningEntry || s.state == StateDrainingTasks {
		return ErrRunning
	}
	s.state = state
	s.runCtx = ctx
	return nil
}

// finish ends a run. Bindings called outside a run get a background context
// rather than the finished run's.
func (s *Scheduler) finish() {
	s.mu.Lock()
	s.state = StateIdle
	s.runCtx = context.Background()
	s.mu.Unlock()
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) drain(ctx context.Context) error {
	drained := 0
	defer func() {
		s.logger.Debug("tasks drained", zap.Int("count", drained))
	}()

	for {
		if err := ctx.Err(); err != nil {
			s.abandon()
			return err
		}
		if s.isClosed() {
			s.abandon()
			return ErrClosed
		}
		task := s.pop()
		if task == nil {
			return nil
		}

		err := s.runTask(ctx, task)
		drained++
		if err != nil && ctx.Err() != nil {
			s.abandon()
			return err
		}
		if err != nil {
			s.endpoint.Report(err)
		}
		s.observe(task, err)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *Task) error {
	s.setCurrent(task)
	defer s.setCurrent(nil)

	value, err := task.result(ctx, s.ec)
	if err != nil {
		return task.wrap("job", err)
	}
	if _, err := s.ec.Call(task.Callback, value); err != nil {
		return task.wrap("callback", err)
	}
	return nil
}

func (s *Scheduler) enqueue(task *Task) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task.ID = s.nextID
	if task.Owner == "" {
		task.Owner = s.ownerLocked()
	}
	s.queue = append(s.queue, task)
	return task.ID
}

// ownerLocked is the module executing right now: a module body being
// loaded, else the task being drained, else the entry.
func (s *Scheduler) ownerLocked() module.Identity {
	if id := s.loader.Current(); id != "" {
		return id
	}
	if s.current != nil {
		return s.current.Owner
	}
	if main := s.loader.Main(); main != nil {
		return main.ID
	}
	return ""
}

func (s *Scheduler) pop() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	task := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return task
}

func (s *Scheduler) setCurrent(task *Task) {
	s.mu.Lock()
	s.current = task
	s.mu.Unlock()
}

func (s *Scheduler) abandon() {
	s.mu.Lock()
	abandoned := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(abandoned) > 0 {
		s.logger.Debug("tasks abandoned", zap.Int("count", len(abandoned)))
	}
	for _, task := range abandoned {
		s.observe(task, ErrAbandoned)
	}
}

func (s *Scheduler) observe(task *Task, err error) {
	if s.observer != nil {
		s.observer(task, err)
	}
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}
