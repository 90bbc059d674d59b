package executor

import (
	"time"

	"github.com/caffeineduck/gocjs/bridge"
	"github.com/caffeineduck/gocjs/config"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/caffeineduck/gocjs/module"
	"github.com/caffeineduck/gocjs/wasm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	logger           *zap.Logger
	metricsRegistry  *prometheus.Registry

	// session defaults
	timeout      time.Duration
	modulesDir   string
	maxCallStack int
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		logger:  zap.NewNop(),
		timeout: 30 * time.Second,
	}
}

// WithConfig applies environment configuration: WASM cache and memory
// settings, and the timeout, modules directory and call stack limit every
// session starts with.
func WithConfig(cfg *config.Config) ExecutorOption {
	return func(c *executorConfig) {
		if cfg == nil {
			return
		}
		c.diskCache = cfg.WasmDiskCache
		c.cacheDir = cfg.WasmCacheDir
		c.memoryLimitPages = cfg.WasmMemoryPages
		c.timeout = cfg.Timeout
		c.modulesDir = cfg.ModulesDir
		c.maxCallStack = cfg.MaxCallStack
	}
}

// WithDiskCache enables the persistent WASM compilation cache. Optionally
// provide a directory; otherwise ~/.cache/gocjs or XDG_CACHE_HOME/gocjs.
//
//	executor.New(registry, executor.WithDiskCache())
//	executor.New(registry, executor.WithDiskCache("/tmp/cache"))
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the memory of required .wasm modules, in 64KB pages.
// See the wasm.MemoryLimit constants.
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetricsRegistry registers the executor's collectors with reg instead
// of a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) ExecutorOption {
	return func(c *executorConfig) {
		c.metricsRegistry = reg
	}
}

// WithTimeout sets the default session timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(c *executorConfig) {
		c.timeout = d
	}
}

func (c executorConfig) wasmOptions() []wasm.Option {
	opts := []wasm.Option{
		wasm.WithMemoryLimit(c.memoryLimitPages),
		wasm.WithLogger(c.logger.Named("wasm")),
	}
	if c.diskCache {
		opts = append(opts, wasm.WithDiskCache(c.cacheDir))
	}
	return opts
}

// SessionOption configures a Session, or the one-shot session of
// Executor.Run.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	id           string
	timeout      time.Duration
	source       module.Source
	mounts       []hostfunc.Mount
	fsOptions    []hostfunc.FSOption
	modulesDir   string
	maxCallStack int

	bridge      *bridge.Bridge
	sinks       []bridge.Sink
	errSink     bridge.ErrorSink
	syncHandler bridge.SyncHandler
	exitMessage string

	kvEnabled  bool
	kvConfig   hostfunc.KVConfig
	kvStore    *hostfunc.KV
	httpConfig hostfunc.HTTPConfig
}

func (e *Executor) defaultSessionConfig() sessionConfig {
	return sessionConfig{
		timeout:      e.cfg.timeout,
		modulesDir:   e.cfg.modulesDir,
		maxCallStack: e.cfg.maxCallStack,
		kvConfig:     hostfunc.DefaultKVConfig(),
	}
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) SessionOption {
	return func(c *sessionConfig) {
		c.id = id
	}
}

// WithSessionTimeout bounds each Run, Send and SendSync. Zero disables the
// timeout.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.timeout = d
	}
}

// WithSource loads modules from src instead of the mounts or the host
// filesystem.
func WithSource(src module.Source) SessionOption {
	return func(c *sessionConfig) {
		c.source = src
	}
}

// WithSessionMount maps a host directory into the virtual filesystem
// modules are loaded from. The fs_* host functions see the same mounts.
//
//	executor.WithSessionMount("/app", "./scripts", hostfunc.MountReadOnly)
func WithSessionMount(virtualPath, hostPath string, mode hostfunc.MountMode) SessionOption {
	return func(c *sessionConfig) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
			Mode:        mode,
		})
	}
}

func WithSessionFSMaxFileSize(size int64) SessionOption {
	return func(c *sessionConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxFileSize(size))
	}
}

// WithModulesDir sets the directory bare module names resolve against.
func WithModulesDir(dir string) SessionOption {
	return func(c *sessionConfig) {
		c.modulesDir = dir
	}
}

func WithMaxCallStack(size int) SessionOption {
	return func(c *sessionConfig) {
		c.maxCallStack = size
	}
}

// WithSink adds a receiver for messages as they are emitted. Messages are
// also returned in Result.Messages.
func WithSink(s bridge.Sink) SessionOption {
	return func(c *sessionConfig) {
		c.sinks = append(c.sinks, s)
	}
}

func WithErrorSink(s bridge.ErrorSink) SessionOption {
	return func(c *sessionConfig) {
		c.errSink = s
	}
}

// WithSyncHandler answers $sendSync.
func WithSyncHandler(h bridge.SyncHandler) SessionOption {
	return func(c *sessionConfig) {
		c.syncHandler = h
	}
}

// WithBridge shares b between sessions so their messages are ordered
// against each other. Sink, error sink and sync handler options are then
// ignored in favour of b's.
func WithBridge(b *bridge.Bridge) SessionOption {
	return func(c *sessionConfig) {
		c.bridge = b
	}
}

// WithExitMessage emits msg once every Run has finished draining, so a host
// consuming a sink knows the run is over.
func WithExitMessage(msg string) SessionOption {
	return func(c *sessionConfig) {
		c.exitMessage = msg
	}
}

// WithSessionKV registers kv_* host functions on a fresh store.
func WithSessionKV(cfg ...hostfunc.KVConfig) SessionOption {
	return func(c *sessionConfig) {
		c.kvEnabled = true
		if len(cfg) > 0 {
			c.kvConfig = cfg[0]
		}
	}
}

// WithKVStore registers kv_* host functions on kv, which may be shared
// with other sessions.
func WithKVStore(kv *hostfunc.KV) SessionOption {
	return func(c *sessionConfig) {
		c.kvEnabled = true
		c.kvStore = kv
	}
}

// WithSessionAllowedHosts enables http_request and http_get for hosts.
func WithSessionAllowedHosts(hosts []string) SessionOption {
	return func(c *sessionConfig) {
		c.httpConfig.AllowedHosts = hosts
	}
}

func WithSessionHTTPTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.httpConfig.RequestTimeout = d
	}
}

func WithSessionHTTPMaxBodySize(size int64) SessionOption {
	return func(c *sessionConfig) {
		c.httpConfig.MaxBodySize = size
	}
}
