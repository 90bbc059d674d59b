package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/caffeineduck/gocjs/config"
	"github.com/caffeineduck/gocjs/executor"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/caffeineduck/gocjs/logging"
	"github.com/caffeineduck/gocjs/wasm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	appConfig = config.Default()
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "gocjs",
	Short: "CommonJS module runtime",
	Long: `gocjs - Run CommonJS programs in an embedded JavaScript engine.

Modules are loaded from mounted directories, get their own exports, require,
module, __filename and __dirname, and talk to the host through $send.
Scripts have no filesystem, network or storage access unless enabled with
flags.

Configuration is read from GOCJS_* environment variables; flags override it.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-dev", false, "Human readable logs")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the WASM compilation cache")
	rootCmd.PersistentFlags().String("memory", "", "WASM memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
}

// setup loads the environment configuration, applies flag overrides and
// builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-dev") {
		cfg.LogDev, _ = flags.GetBool("log-dev")
	}
	if flags.Changed("memory") {
		memory, _ := flags.GetString("memory")
		pages, err := parseMemoryLimit(memory)
		if err != nil {
			return err
		}
		cfg.WasmMemoryPages = pages
	}
	if noCache, _ := flags.GetBool("no-cache"); noCache {
		cfg.WasmDiskCache = false
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Development = cfg.LogDev
	l, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	appConfig = cfg
	logger = l
	return nil
}

func newExecutor(registry *hostfunc.Registry) (*executor.Executor, error) {
	return executor.New(registry,
		executor.WithConfig(appConfig),
		executor.WithLogger(logger),
	)
}

// parseMount parses virtual:host[:mode]; the mode defaults to ro.
func parseMount(spec string) (hostfunc.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host[:mode])", spec)
	}

	mode := hostfunc.MountReadOnly
	if len(parts) == 3 {
		var err error
		if mode, err = hostfunc.ParseMountMode(parts[2]); err != nil {
			return hostfunc.Mount{}, err
		}
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return 0, nil
	case "1mb":
		return wasm.MemoryLimit1MB, nil
	case "16mb":
		return wasm.MemoryLimit16MB, nil
	case "64mb":
		return wasm.MemoryLimit64MB, nil
	case "256mb":
		return wasm.MemoryLimit256MB, nil
	case "1gb":
		return wasm.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb or 1gb)", s)
	}
}
