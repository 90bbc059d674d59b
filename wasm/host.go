// Package wasm lets scripts require WebAssembly modules. A Host owns one
// wazero runtime and a cache of compiled modules keyed by content hash;
// every require of a .wasm file gets its own instance whose exported
// functions become the module's exports.
package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

var ErrClosed = errors.New("wasm host closed")

// Memory limits in 64KB pages.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

type config struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	logger           *zap.Logger
}

type Option func(*config)

// WithDiskCache persists compiled modules across processes. Without a dir,
// XDG_CACHE_HOME/gocjs or ~/.cache/gocjs is used.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the linear memory of every instance. Zero keeps the
// wazero default of 4GB.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithLogger receives WASI stdout at info and stderr at warn level.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type Host struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	logger   *zap.Logger
	mu       sync.RWMutex
	compiled map[string]wazero.CompiledModule
	closed   bool
}

func New(ctx context.Context, opts ...Option) (*Host, error) {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = DefaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Host{
		runtime:  rt,
		cache:    cache,
		logger:   cfg.logger,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Compile returns the compiled form of code, compiling it at most once per
// distinct content.
func (h *Host) Compile(ctx context.Context, code []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(code)
	key := hex.EncodeToString(sum[:])

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrClosed
	}
	if compiled, ok := h.compiled[key]; ok {
		h.mu.RUnlock()
		return compiled, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if compiled, ok := h.compiled[key]; ok {
		return compiled, nil
	}

	compiled, err := h.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile wasm: %w", err)
	}
	h.compiled[key] = compiled
	h.logger.Debug("wasm module compiled",
		zap.String("hash", key[:12]),
		zap.Int("functions", len(compiled.ExportedFunctions())))
	return compiled, nil
}

// Instantiate compiles code if needed and creates a fresh instance. A
// reactor's _initialize export runs once here.
func (h *Host) Instantiate(ctx context.Context, code []byte) (*Instance, error) {
	compiled, err := h.Compile(ctx, code)
	if err != nil {
		return nil, err
	}

	stdout := &zapio.Writer{Log: h.logger, Level: zap.InfoLevel}
	stderr := &zapio.Writer{Log: h.logger, Level: zap.WarnLevel}
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions("_initialize")

	mod, err := h.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("instantiate wasm: %w", err)
	}
	return &Instance{mod: mod, compiled: compiled, outputs: []*zapio.Writer{stdout, stderr}}, nil
}

// Compiled returns the number of cached compiled modules.
func (h *Host) Compiled() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.compiled)
}

// Close releases the runtime, every instance created by it and the disk
// cache handle.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	if err := h.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.cache != nil {
		if err := h.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "gocjs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "gocjs")
	}
	return filepath.Join(os.TempDir(), "gocjs-cache")
}
