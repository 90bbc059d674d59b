// Package executor runs CommonJS programs on an embedded JavaScript engine.
//
// # Overview
//
// An Executor holds what sessions share: host functions, the wazero runtime
// used for .wasm modules, logging and metrics. A Session is one execution
// context with its own module cache, globals and task queue. Executor.Run is
// a one-shot session.
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	result := exec.Run(ctx, "/app/main.js",
//	    executor.WithSessionMount("/app", "./scripts", hostfunc.MountReadOnly),
//	)
//	for _, msg := range result.Messages {
//	    fmt.Println(msg)
//	}
//
// # Scripts
//
// Module bodies get exports, require, module, __filename and __dirname.
// Globals installed in every session:
//
//	$send(msg)              emit a message to the host
//	$sendSync(msg)          ask the host and get a reply
//	$recv(fn)               receive host messages (Session.Send)
//	$recvSync(fn)           answer host requests (Session.SendSync)
//	$task(job, cb)          run job later, then cb(result)
//	$async(name, args, cb)  call a host function off-thread, then cb(result)
//	$call(name, args)       call a host function synchronously
//
// # Sessions
//
// Sessions keep loaded modules and globals between runs:
//
//	session, err := exec.NewSession(
//	    executor.WithSessionMount("/app", "./scripts", hostfunc.MountReadOnly),
//	    executor.WithSessionKV(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.Run(ctx, "/app/server.js")
//	session.Send(ctx, `{"op":"ping"}`)
//
// # Capabilities
//
// Scripts have no filesystem, network or storage access unless enabled:
//
//	executor.WithSessionAllowedHosts([]string{"api.example.com"})
//	executor.WithSessionMount("/data", "./input", hostfunc.MountReadOnly)
//	executor.WithSessionKV()
package executor
