// Package luart wraps gopher-lua with the restricted runtime plugin entry
// points execute in.
//
// Each plugin gets its own State. Only the safe standard libraries are
// opened (base, table, string, math); dynamic loading primitives are
// removed and require is replaced with a whitelist that resolves built-in
// safe modules and host-preloaded modules only. Privileged operations are
// not reachable from Lua except through host.* modules the plugin host
// injects, each of which passes the security sandbox's permission check
// before touching the outside world.
//
// An LState is not goroutine-safe; State serializes access with a mutex.
// Callers must not assume a timed-out call has stopped running: the
// sandbox abandons overruns, it cannot preempt them.
package luart
