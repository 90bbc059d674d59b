// Package sandbox runs a single inline script with one call. It is the
// shortest path from a string of JavaScript to the messages it sends; use
// the executor package for sessions, mounts and WASM modules.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/caffeineduck/gocjs/executor"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/caffeineduck/gocjs/module"
	"go.uber.org/zap"
)

// EntryPath is the identity the inline script runs as.
const EntryPath = "/main.js"

type Result = executor.Result

type Config struct {
	Timeout      time.Duration
	AllowedHosts []string
	Registry     *hostfunc.Registry
	// KV is shared with the script through kv_* host functions. A fresh
	// store is used when nil.
	KV *hostfunc.KV
	// Modules are extra sources the script can require, keyed by path
	// relative to the root, e.g. "lib/util.js".
	Modules map[string]string
	Logger  *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// Run executes code as the entry module and drains its tasks.
func Run(code string, cfg Config) Result {
	start := time.Now()

	exec, err := executor.New(cfg.Registry, executor.WithLogger(cfg.Logger))
	if err != nil {
		return Result{Error: fmt.Errorf("create executor: %w", err), Duration: time.Since(start)}
	}
	defer exec.Close()

	src := module.MapSource{EntryPath: code}
	for name, body := range cfg.Modules {
		src[string(module.Canonical(name))] = body
	}

	kv := cfg.KV
	if kv == nil {
		kv = hostfunc.NewKV(hostfunc.DefaultKVConfig())
	}

	opts := []executor.SessionOption{
		executor.WithSource(src),
		executor.WithSessionTimeout(cfg.Timeout),
		executor.WithKVStore(kv),
	}
	if len(cfg.AllowedHosts) > 0 {
		opts = append(opts, executor.WithSessionAllowedHosts(cfg.AllowedHosts))
	}

	result := exec.Run(context.Background(), EntryPath, opts...)
	result.Duration = time.Since(start)
	return result
}
