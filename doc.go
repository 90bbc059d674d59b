// Package gocjs runs CommonJS programs in an embedded JavaScript engine
// and delivers the messages they send to the host in call order.
//
// # Overview
//
// Each module gets its own exports, require, module, __filename and
// __dirname. Modules are cached by canonical path and executed at most once;
// circular requires see partial exports. Work registered with $task or
// $async runs after the registering module body returned, drained FIFO
// until the queue is empty.
//
// # Basic Usage
//
//	exec, _ := executor.New(hostfunc.NewRegistry())
//	defer exec.Close()
//
//	// One-shot run
//	result := exec.Run(ctx, "/app/main.js",
//	    executor.WithSessionMount("/app", "./scripts", hostfunc.MountReadOnly))
//	fmt.Println(result.Messages)
//
//	// Session that keeps modules and receivers between calls
//	session, _ := exec.NewSession(
//	    executor.WithSessionMount("/app", "./scripts", hostfunc.MountReadOnly))
//	session.Run(ctx, "/app/server.js")
//	session.Send(ctx, "ping")
//
// # Enabling Capabilities
//
//	executor.WithSessionAllowedHosts([]string{"api.example.com"})
//	executor.WithSessionMount("/data", "./input", hostfunc.MountReadWrite)
//	executor.WithSessionKV()
//
// Required .wasm files are instantiated with wazero and their exported
// functions become the module's exports.
//
// See the [executor], [module], [scheduler], [bridge], [hostfunc] and
// [sandbox] packages for detailed API documentation.
package gocjs
