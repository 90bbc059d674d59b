// Package hostfunc provides the Go functions scripts can reach and the
// mount-based filesystem modules are loaded from.
//
// Scripts have no implicit access to host resources. Each capability must be
// registered in a [Registry]; scripts then call it synchronously with $call
// or on a worker goroutine with $async:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("now", func(ctx context.Context, args map[string]any) (any, error) {
//	    return time.Now().Unix(), nil
//	})
//
//	// in a script
//	const t = $call("now", {});
//	$async("now", {}, function (t) { $send(String(t)) });
//
// # Filesystem
//
// [FS] maps virtual paths to host directories through [Mount] entries with a
// [MountMode]. It implements the module source interface, so module
// identities are virtual paths, and registers fs_read, fs_list, fs_stat and
// fs_exists (plus fs_write, fs_mkdir and fs_remove when a mount is writable):
//
//	fs := hostfunc.NewFS([]hostfunc.Mount{
//	    {VirtualPath: "/app", HostPath: "./scripts", Mode: hostfunc.MountReadOnly},
//	})
//	fs.Register(registry)
//
// # Key-Value Store
//
// [KV] is an in-memory store bounded by [KVConfig]:
//
//	hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
//
// # HTTP
//
// [HTTP] performs requests to explicitly allowed hosts only:
//
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	}).Register(registry)
//
// See the executor package for sessions that wire these together.
package hostfunc
