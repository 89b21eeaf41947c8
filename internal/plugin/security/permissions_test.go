package security

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("filesystem.read")
	if err != nil {
		t.Fatalf("ParsePermission error = %v", err)
	}
	if p != PermFileRead {
		t.Errorf("ParsePermission = %q, want %q", p, PermFileRead)
	}
}

func TestParsePermissionUnknown(t *testing.T) {
	_, err := ParsePermission("filesystem.format")
	if !errors.Is(err, ErrUnknownPermission) {
		t.Errorf("ParsePermission error = %v, want ErrUnknownPermission", err)
	}
}

func TestParsePermissionsDropsUnknown(t *testing.T) {
	got := ParsePermissions("test", []string{"filesystem.read", "bogus", "state.write"})
	want := []Permission{PermFileRead, PermStateWrite}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParsePermissions mismatch (-want +got):\n%s", diff)
	}
}

func TestAllPermissionsSorted(t *testing.T) {
	all := AllPermissions()
	if len(all) != len(knownPermissions) {
		t.Fatalf("AllPermissions len = %d, want %d", len(all), len(knownPermissions))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1] >= all[i] {
			t.Errorf("AllPermissions not sorted at %d: %q >= %q", i, all[i-1], all[i])
		}
	}
}

func TestManagerDenyByDefault(t *testing.T) {
	m := NewManager()
	if m.Has("ghost", PermFileRead) {
		t.Error("Has = true for plugin with no grants")
	}
}

func TestManagerGrantHas(t *testing.T) {
	m := NewManager()
	m.Grant("test", PermFileRead, PermNetworkRequest)

	if !m.Has("test", PermFileRead) {
		t.Error("Has(FileRead) = false after Grant")
	}
	if !m.Has("test", PermNetworkRequest) {
		t.Error("Has(NetworkRequest) = false after Grant")
	}
	if m.Has("test", PermFileWrite) {
		t.Error("Has(FileWrite) = true without grant")
	}
}

func TestManagerGrantsAreScoped(t *testing.T) {
	m := NewManager()
	m.Grant("alpha", PermFileRead)

	if m.Has("beta", PermFileRead) {
		t.Error("grant to alpha leaked to beta")
	}
}

func TestManagerRevokeAll(t *testing.T) {
	m := NewManager()
	m.Grant("test", PermFileRead, PermStateWrite)
	m.RevokeAll("test")

	if m.Has("test", PermFileRead) {
		t.Error("Has(FileRead) = true after RevokeAll")
	}
	if got := m.Granted("test"); len(got) != 0 {
		t.Errorf("Granted after RevokeAll = %v, want empty", got)
	}
}

func TestManagerGrantedSorted(t *testing.T) {
	m := NewManager()
	m.Grant("test", PermStateWrite, PermFileRead, PermHookRegister)

	got := m.Granted("test")
	want := []Permission{PermFileRead, PermHookRegister, PermStateWrite}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Granted mismatch (-want +got):\n%s", diff)
	}
}

func TestPermissionErrorIs(t *testing.T) {
	err := &PermissionError{Plugin: "test", Permission: PermFileWrite, Operation: "write config"}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Error("PermissionError does not match ErrPermissionDenied")
	}
}

func TestTimeoutErrorIs(t *testing.T) {
	err := &TimeoutError{Plugin: "test", Operation: "hook"}
	if !errors.Is(err, ErrTimeoutExceeded) {
		t.Error("TimeoutError does not match ErrTimeoutExceeded")
	}
}
