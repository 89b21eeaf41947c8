package luart

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// Runtime errors.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotAFunction is returned when calling a global that is not a
	// function.
	ErrNotAFunction = errors.New("global is not a function")
)

// safeModules are built-in modules plugins may always require.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// State is a sandboxed Lua state hosting one plugin.
//
// The mutex serializes access to the LState, which is not goroutine-safe.
// The closed flag lives outside the mutex: an abandoned runaway call can
// hold the mutex forever, and Close must still take effect promptly.
type State struct {
	mu     sync.Mutex
	L      *lua.LState
	closed atomic.Bool
}

// NewState creates a restricted Lua state: safe stdlib only, no dynamic
// loading, whitelist-based require.
func NewState() *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenPackage(L)

	s := &State{L: L}
	s.restrict()
	return s
}

// restrict removes sandbox escape hatches and installs the whitelist
// require. Loading from disk is disabled entirely; only built-in safe
// modules and preloaded host modules resolve.
func (s *State) restrict() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	originalRequire := s.L.GetGlobal("require")
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if safeModules[modName] || modName == "host" || strings.HasPrefix(modName, "host.") {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		L.RaiseError("module %q is not available", modName)
		return 0 // unreachable
	}))
}

// PreloadModule makes a host module available to require under the given
// name. The loader runs the first time the plugin requires it.
func (s *State) PreloadModule(name string, funcs map[string]lua.LGFunction) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	s.L.PreloadModule(name, func(L *lua.LState) int {
		mod := L.SetFuncs(L.NewTable(), funcs)
		L.Push(mod)
		return 1
	})
}

// DoFile executes a Lua file with panic recovery.
func (s *State) DoFile(path string) error {
	if s.closed.Load() {
		return ErrStateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrStateClosed
	}
	return s.recovered(func() error { return s.L.DoFile(path) })
}

// DoString executes Lua source with panic recovery.
func (s *State) DoString(code string) error {
	if s.closed.Load() {
		return ErrStateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrStateClosed
	}
	return s.recovered(func() error { return s.L.DoString(code) })
}

// HasGlobalFunction reports whether the plugin defines the named global
// function.
func (s *State) HasGlobalFunction(name string) bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// CallGlobal invokes a global Lua function with Go arguments, converting
// results back to Go values. Returns an empty slice when the function
// returns nothing.
func (s *State) CallGlobal(name string, args ...any) ([]any, error) {
	if s.closed.Load() {
		return nil, ErrStateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrStateClosed
	}

	fn := s.L.GetGlobal(name)
	if fn == lua.LNil {
		return nil, fmt.Errorf("function %q not found", name)
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotAFunction, name, fn.Type())
	}

	top := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(ToLua(s.L, arg))
	}

	err := s.recovered(func() error {
		return s.L.PCall(len(args), lua.MultRet, nil)
	})
	if err != nil {
		return nil, err
	}

	nret := s.L.GetTop() - top
	if nret <= 0 {
		return []any{}, nil
	}
	results := make([]any, nret)
	for i := 0; i < nret; i++ {
		results[i] = FromLua(s.L.Get(top + i + 1))
	}
	s.L.Pop(nret)
	return results, nil
}

// recovered runs fn converting Lua panics to errors. Must be called with
// the mutex held.
func (s *State) recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	return s.closed.Load()
}

// Close marks the state closed and releases the underlying LState.
// Further calls return ErrStateClosed immediately.
//
// Close never blocks: the mutex may be held by an abandoned call that
// will never return, so the LState itself is reaped on a detached
// goroutine once the mutex frees. Until then in-flight calls finish
// against a still-valid LState; new calls are refused by the flag.
func (s *State) Close() {
	if s.closed.Swap(true) {
		return
	}
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.L.Close()
	}()
}
