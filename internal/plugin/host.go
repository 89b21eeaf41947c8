package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/flowkit/internal/logx"
	"github.com/dshills/flowkit/internal/plugin/hook"
	"github.com/dshills/flowkit/internal/plugin/luart"
	"github.com/dshills/flowkit/internal/plugin/security"
)

// httpRequestTimeout bounds host.http calls independently of the
// plugin's own execution ceiling.
const httpRequestTimeout = 10 * time.Second

// Host runs a single plugin: its Lua state, its lifecycle state, and the
// host.* modules its code may call. Every privileged module function
// passes the sandbox's permission choke point before doing any I/O; a
// denial raises a Lua error, aborting the call fail-closed.
type Host struct {
	mu sync.RWMutex

	meta       *Metadata
	state      State
	failReason string

	rt      *luart.State
	sandbox *security.Sandbox
	hooks   *hook.Manager
	config  *Store
	shared  *Store

	httpClient *http.Client
}

// newHost creates a host in the discovered state. The Lua runtime is not
// created until load.
func newHost(meta *Metadata, sandbox *security.Sandbox, hooks *hook.Manager, config, shared *Store) *Host {
	return &Host{
		meta:       meta,
		state:      StateDiscovered,
		sandbox:    sandbox,
		hooks:      hooks,
		config:     config,
		shared:     shared,
		httpClient: &http.Client{Timeout: httpRequestTimeout},
	}
}

// Name returns the plugin name.
func (h *Host) Name() string {
	return h.meta.Name
}

// Metadata returns a copy of the plugin's metadata.
func (h *Host) Metadata() *Metadata {
	return h.meta.Clone()
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// FailReason returns the reason for the failed state, if any.
func (h *Host) FailReason() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.failReason
}

// setState transitions the lifecycle state.
func (h *Host) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// fail transitions to the failed state with a reason and releases the
// runtime. A failed plugin must not keep an executable Lua state. The
// runtime is closed outside the host lock so a wedged runtime cannot
// stall State or Call.
func (h *Host) fail(reason string) {
	h.mu.Lock()
	rt := h.rt
	h.rt = nil
	h.state = StateFailed
	h.failReason = reason
	h.mu.Unlock()

	if rt != nil {
		rt.Close()
	}
}

// load creates the Lua runtime, injects the host modules, and executes
// the plugin's entry point under the sandbox timeout.
func (h *Host) load(ctx context.Context) error {
	rt := luart.NewState()
	h.mu.Lock()
	h.rt = rt
	h.mu.Unlock()

	h.installModules(rt)

	err := h.sandbox.Execute(ctx, h.meta.Name, "entry point", h.meta.Timeout(), func(context.Context) error {
		return rt.DoFile(h.meta.EntryPath())
	})
	if err != nil {
		rt.Close()
		h.mu.Lock()
		h.rt = nil
		h.mu.Unlock()
		return err
	}

	h.setState(StateLoaded)
	return nil
}

// activate calls the plugin's optional setup() function, during which it
// typically registers its hooks.
func (h *Host) activate(ctx context.Context) error {
	h.mu.RLock()
	rt := h.rt
	h.mu.RUnlock()
	if rt == nil {
		return ErrNotLoaded
	}

	if rt.HasGlobalFunction("setup") {
		err := h.sandbox.Execute(ctx, h.meta.Name, "setup", h.meta.Timeout(), func(context.Context) error {
			_, callErr := rt.CallGlobal("setup")
			return callErr
		})
		if err != nil {
			return err
		}
	}

	h.setState(StateActive)
	return nil
}

// unload tears down the Lua runtime. Hook and permission cleanup is the
// Manager's responsibility; this only releases the runtime, outside the
// host lock.
func (h *Host) unload() {
	h.mu.Lock()
	rt := h.rt
	h.rt = nil
	h.state = StateUnloaded
	h.mu.Unlock()

	if rt != nil {
		rt.Close()
	}
}

// Call invokes a global function in the plugin, for host features that
// address a plugin directly (outside hook dispatch).
func (h *Host) Call(fn string, args ...any) ([]any, error) {
	h.mu.RLock()
	rt := h.rt
	failed := h.state == StateFailed
	h.mu.RUnlock()
	if failed {
		return nil, fmt.Errorf("plugin %q: %w", h.meta.Name, ErrPluginFailed)
	}
	if rt == nil {
		return nil, ErrNotLoaded
	}
	return rt.CallGlobal(fn, args...)
}

// installModules preloads the host.* modules into the runtime.
func (h *Host) installModules(rt *luart.State) {
	rt.PreloadModule("host.log", map[string]lua.LGFunction{
		"debug": h.luaLog(func(msg string) { logx.Log.Debug().Str("plugin", h.meta.Name).Msg(msg) }),
		"info":  h.luaLog(func(msg string) { logx.Log.Info().Str("plugin", h.meta.Name).Msg(msg) }),
		"warn":  h.luaLog(func(msg string) { logx.Log.Warn().Str("plugin", h.meta.Name).Msg(msg) }),
	})

	rt.PreloadModule("host.hooks", map[string]lua.LGFunction{
		"register": h.luaHookRegister,
	})

	rt.PreloadModule("host.fs", map[string]lua.LGFunction{
		"read":   h.luaFSRead,
		"write":  h.luaFSWrite,
		"delete": h.luaFSDelete,
		"exists": h.luaFSExists,
	})

	rt.PreloadModule("host.exec", map[string]lua.LGFunction{
		"run": h.luaExecRun,
	})

	rt.PreloadModule("host.http", map[string]lua.LGFunction{
		"get": h.luaHTTPGet,
	})

	rt.PreloadModule("host.config", map[string]lua.LGFunction{
		"get": h.luaStoreGet(h.config, security.PermConfigRead, "config.get"),
		"set": h.luaStoreSet(h.config, security.PermConfigWrite, "config.set"),
	})

	rt.PreloadModule("host.state", map[string]lua.LGFunction{
		"get": h.luaStoreGet(h.shared, security.PermStateRead, "state.get"),
		"set": h.luaStoreSet(h.shared, security.PermStateWrite, "state.set"),
	})
}

// require aborts the Lua call unless the permission is granted.
// RaiseError does a longjmp, so a denial never reaches the gated I/O.
func (h *Host) require(L *lua.LState, p security.Permission, operation string) {
	if err := h.sandbox.CheckOperation(h.meta.Name, p, operation); err != nil {
		L.RaiseError("%s", err.Error())
	}
}

// resolvePath anchors relative paths at the plugin's own directory.
func (h *Host) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(h.meta.SourcePath, path)
}

func (h *Host) luaLog(emit func(string)) lua.LGFunction {
	return func(L *lua.LState) int {
		emit(L.CheckString(1))
		return 0
	}
}

// luaHookRegister implements host.hooks.register(event, fn_name, priority?).
// The handler is addressed by global function name; dispatch calls back
// into this plugin's runtime.
func (h *Host) luaHookRegister(L *lua.LState) int {
	eventName := L.CheckString(1)
	fnName := L.CheckString(2)
	priority := L.OptInt(3, hook.DefaultPriority)

	h.require(L, security.PermHookRegister, "hooks.register")

	reg, err := h.hooks.Register(hook.EventType(eventName), h.hookHandler(fnName),
		hook.WithOwner(h.meta.Name),
		hook.WithName(h.meta.Name+"."+fnName),
		hook.WithPriority(priority),
		hook.WithTimeout(h.meta.Timeout()),
	)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	L.Push(lua.LString(reg.ID))
	return 1
}

// hookHandler adapts a plugin's global Lua function into a hook.Handler.
// A returned table becomes the handler's result mapping.
func (h *Host) hookHandler(fnName string) hook.Handler {
	// The context is unused: a Lua call cannot be cancelled mid-flight,
	// only abandoned by the sandbox's timeout.
	return func(_ context.Context, ev hook.Event) (map[string]any, error) {
		results, err := h.Call(fnName, ev.Data)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			if m, ok := results[0].(map[string]any); ok {
				return m, nil
			}
		}
		return nil, nil
	}
}

func (h *Host) luaFSRead(L *lua.LState) int {
	path := L.CheckString(1)
	h.require(L, security.PermFileRead, "fs.read")

	data, err := os.ReadFile(h.resolvePath(path))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func (h *Host) luaFSWrite(L *lua.LState) int {
	path := L.CheckString(1)
	content := L.CheckString(2)
	h.require(L, security.PermFileWrite, "fs.write")

	if err := os.WriteFile(h.resolvePath(path), []byte(content), 0o644); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *Host) luaFSDelete(L *lua.LState) int {
	path := L.CheckString(1)
	h.require(L, security.PermFileDelete, "fs.delete")

	if err := os.Remove(h.resolvePath(path)); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *Host) luaFSExists(L *lua.LState) int {
	path := L.CheckString(1)
	h.require(L, security.PermFileRead, "fs.exists")

	_, err := os.Stat(h.resolvePath(path))
	L.Push(lua.LBool(err == nil))
	return 1
}

// luaExecRun implements host.exec.run(cmd, args...). Output is combined
// stdout+stderr.
func (h *Host) luaExecRun(L *lua.LState) int {
	cmd := L.CheckString(1)
	var args []string
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, L.CheckString(i))
	}

	h.require(L, security.PermSubprocessExecute, "exec.run")

	out, err := exec.Command(cmd, args...).CombinedOutput()
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(out))
	return 1
}

func (h *Host) luaHTTPGet(L *lua.LState) int {
	url := L.CheckString(1)
	h.require(L, security.PermNetworkRequest, "http.get")

	resp, err := h.httpClient.Get(url)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(body))
	L.Push(lua.LNumber(resp.StatusCode))
	return 2
}

func (h *Host) luaStoreGet(store *Store, p security.Permission, operation string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		h.require(L, p, operation)

		v, ok := store.Get(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(luart.ToLua(L, v))
		return 1
	}
}

func (h *Host) luaStoreSet(store *Store, p security.Permission, operation string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := luart.FromLua(L.Get(2))
		h.require(L, p, operation)

		store.Set(key, value)
		return 0
	}
}
