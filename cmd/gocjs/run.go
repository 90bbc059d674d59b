package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/caffeineduck/gocjs/bridge"
	"github.com/caffeineduck/gocjs/executor"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run <entry>",
	Short: "Run an entry module and print the messages it sends",
	Long: `Load the entry module, run it to completion and print every message it
sends with $send as it arrives.

Without --mount the entry is a host path. With mounts it is a virtual path:
  gocjs run ./examples/module-1.js
  gocjs run --mount /app:./examples /app/module-1.js`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	addSessionFlags(runCmd)
	runCmd.Flags().String("exit-message", "", "Message to send after the program finished")
	rootCmd.AddCommand(runCmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 0, "Execution timeout (default from GOCJS_TIMEOUT)")
	cmd.Flags().String("modules-dir", "", "Directory bare module names resolve against")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host[:mode] (repeatable)")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")

	cmd.Flags().Int64("http-max-body", 1024*1024, "Max HTTP response body size")
	cmd.Flags().Int64("fs-max-file", hostfunc.DefaultMaxFileSize, "Max file read size")
}

func buildSessionOpts(cmd *cobra.Command) ([]executor.SessionOption, error) {
	flags := cmd.Flags()
	timeout, _ := flags.GetDuration("timeout")
	modulesDir, _ := flags.GetString("modules-dir")
	mounts, _ := flags.GetStringSlice("mount")
	enableKV, _ := flags.GetBool("kv")
	allowedHosts, _ := flags.GetStringSlice("allow-host")
	httpMaxBody, _ := flags.GetInt64("http-max-body")
	fsMaxFile, _ := flags.GetInt64("fs-max-file")

	var opts []executor.SessionOption
	if flags.Changed("timeout") {
		opts = append(opts, executor.WithSessionTimeout(timeout))
	}
	if modulesDir != "" {
		opts = append(opts, executor.WithModulesDir(modulesDir))
	}
	for _, spec := range mounts {
		m, err := parseMount(spec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithSessionMount(m.VirtualPath, m.HostPath, m.Mode))
	}
	if fsMaxFile > 0 {
		opts = append(opts, executor.WithSessionFSMaxFileSize(fsMaxFile))
	}
	if enableKV {
		opts = append(opts, executor.WithSessionKV())
	}
	if len(allowedHosts) > 0 {
		opts = append(opts,
			executor.WithSessionAllowedHosts(allowedHosts),
			executor.WithSessionHTTPMaxBodySize(httpMaxBody),
		)
	}
	return opts, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	entry := args[0]
	mounts, _ := cmd.Flags().GetStringSlice("mount")
	if len(mounts) == 0 {
		abs, err := filepath.Abs(entry)
		if err != nil {
			return err
		}
		entry = filepath.ToSlash(abs)
	}

	opts, err := buildSessionOpts(cmd)
	if err != nil {
		return err
	}
	if exit, _ := cmd.Flags().GetString("exit-message"); exit != "" {
		opts = append(opts, executor.WithExitMessage(exit))
	}
	opts = append(opts,
		executor.WithSink(printSink(cmd.OutOrStdout())),
		executor.WithErrorSink(bridge.ErrorSinkFunc(func(err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "task error: %v\n", err)
		})),
	)

	exec, err := newExecutor(hostfunc.NewRegistry())
	if err != nil {
		return err
	}
	defer exec.Close()

	result := exec.Run(context.Background(), entry, opts...)
	logger.Debug("run finished",
		zap.String("entry", entry),
		zap.Int("messages", len(result.Messages)),
		zap.Int("task_errors", len(result.TaskErrors)),
		zap.Duration("duration", result.Duration))

	return result.Error
}

// printSink prints each message as it is emitted.
func printSink(w io.Writer) bridge.Sink {
	return bridge.SinkFunc(func(msg bridge.Message) {
		fmt.Fprintf(w, "message from js: %q\n", msg.Body)
	})
}
