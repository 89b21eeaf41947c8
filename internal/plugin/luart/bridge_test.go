package luart

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"
)

func TestRoundTripScalars(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{true, true},
		{false, false},
		{42, int64(42)},
		{int64(7), int64(7)},
		{3.5, 3.5},
		{"hello", "hello"},
	}
	for _, tc := range cases {
		got := FromLua(ToLua(L, tc.in))
		if got != tc.want {
			t.Errorf("round trip %v (%T) = %v (%T), want %v", tc.in, tc.in, got, got, tc.want)
		}
	}
}

func TestRoundTripSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := []any{"a", int64(1), true}
	got := FromLua(ToLua(L, in))
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("slice round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripStringSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	got := FromLua(ToLua(L, []string{"x", "y"}))
	want := []any{"x", "y"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("string slice mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripNestedMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"name":  "planner",
		"count": int64(3),
		"tags":  []any{"fast", "safe"},
		"meta":  map[string]any{"enabled": true},
	}
	got := FromLua(ToLua(L, in))
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("nested map mismatch (-want +got):\n%s", diff)
	}
}

func TestFromLuaSparseTableIsMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetInt(1, lua.LString("one"))
	tbl.RawSetInt(3, lua.LString("three"))

	got := FromLua(tbl)
	if _, ok := got.(map[string]any); !ok {
		t.Errorf("sparse table = %T, want map", got)
	}
}

func TestFromLuaCircularTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("self", tbl)

	got := FromLua(tbl)
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("circular table = %T, want map", got)
	}
	if m["self"] != nil {
		t.Errorf("cycle = %v, want nil terminator", m["self"])
	}
}

func TestToLuaUnhandledType(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if got := ToLua(L, struct{ X int }{1}); got != lua.LNil {
		t.Errorf("ToLua(struct) = %v, want LNil", got)
	}
}

func TestFromLuaFunctionIsNil(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	fn := L.NewFunction(func(L *lua.LState) int { return 0 })
	if got := FromLua(fn); got != nil {
		t.Errorf("FromLua(function) = %v, want nil", got)
	}
}
