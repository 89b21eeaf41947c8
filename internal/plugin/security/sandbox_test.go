package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidatePluginClean(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "init.lua"), `local x = 1 + 1`)

	s := NewSandbox(NewManager())
	result := s.ValidatePlugin(PluginInfo{
		Name:                "tool",
		EntryPoint:          "init.lua",
		SourcePath:          dir,
		DeclaredPermissions: []string{"filesystem.read"},
	})

	if !result.Valid {
		t.Fatalf("Valid = false, errors: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", result.Warnings)
	}
}

func TestValidatePluginEntryPoint(t *testing.T) {
	s := NewSandbox(NewManager())

	for _, entry := range []string{"", "/etc/init.lua", "../evil.lua", "init.txt", "init"} {
		result := s.ValidatePlugin(PluginInfo{Name: "tool", EntryPoint: entry})
		if result.Valid {
			t.Errorf("Valid = true for entry point %q", entry)
		}
	}

	result := s.ValidatePlugin(PluginInfo{Name: "tool", EntryPoint: "src/main.lua"})
	if !result.Valid {
		t.Errorf("Valid = false for nested entry point, errors: %v", result.Errors)
	}
}

func TestValidatePluginUnknownPermission(t *testing.T) {
	s := NewSandbox(NewManager())
	result := s.ValidatePlugin(PluginInfo{
		Name:                "tool",
		EntryPoint:          "init.lua",
		DeclaredPermissions: []string{"filesystem.read", "root.everything"},
	})

	if result.Valid {
		t.Fatal("Valid = true with unknown declared permission")
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want one", result.Errors)
	}
}

func TestValidatePluginRiskyPatternsWarnOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "init.lua"), strings.Join([]string{
		`os.execute("ls")`,
		`local h = io.popen("whoami")`,
		`loadstring("return 1")()`,
	}, "\n"))

	s := NewSandbox(NewManager())
	result := s.ValidatePlugin(PluginInfo{Name: "tool", EntryPoint: "init.lua", SourcePath: dir})

	if !result.Valid {
		t.Fatalf("Valid = false, risky patterns must not block: %v", result.Errors)
	}
	if len(result.Warnings) != 3 {
		t.Errorf("Warnings = %d, want 3: %v", len(result.Warnings), result.Warnings)
	}
}

func TestValidatePluginScansOnlyLuaFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "init.lua"), `local ok = true`)
	writeFile(t, filepath.Join(dir, "notes.md"), `run os.execute("ls") to list`)

	s := NewSandbox(NewManager())
	result := s.ValidatePlugin(PluginInfo{Name: "tool", EntryPoint: "init.lua", SourcePath: dir})

	if len(result.Warnings) != 0 {
		t.Errorf("Warnings = %v, non-lua files must not be screened", result.Warnings)
	}
}

func TestCheckOperationDenied(t *testing.T) {
	s := NewSandbox(NewManager())

	err := s.CheckOperation("tool", PermFileWrite, "write output")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("CheckOperation error = %v, want ErrPermissionDenied", err)
	}

	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatal("error is not a *PermissionError")
	}
	if perr.Operation != "write output" {
		t.Errorf("Operation = %q, want %q", perr.Operation, "write output")
	}
}

func TestCheckPermissionGranted(t *testing.T) {
	perms := NewManager()
	perms.Grant("tool", PermFileRead)
	s := NewSandbox(perms)

	if err := s.CheckPermission("tool", PermFileRead); err != nil {
		t.Errorf("CheckPermission error = %v, want nil", err)
	}
}

func TestExecuteCompletes(t *testing.T) {
	s := NewSandbox(NewManager())

	err := s.Execute(context.Background(), "tool", "work", time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("Execute error = %v, want nil", err)
	}
}

func TestExecutePropagatesError(t *testing.T) {
	s := NewSandbox(NewManager())
	sentinel := errors.New("boom")

	err := s.Execute(context.Background(), "tool", "work", time.Second, func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Execute error = %v, want sentinel", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	s := NewSandbox(NewManager())
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	err := s.Execute(context.Background(), "tool", "work", 50*time.Millisecond, func(ctx context.Context) error {
		<-block
		return nil
	})
	if !errors.Is(err, ErrTimeoutExceeded) {
		t.Fatalf("Execute error = %v, want ErrTimeoutExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute blocked for %v past its deadline", elapsed)
	}

	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatal("error is not a *TimeoutError")
	}
	if terr.Plugin != "tool" {
		t.Errorf("Plugin = %q, want %q", terr.Plugin, "tool")
	}
}

func TestExecuteCallerCancellation(t *testing.T) {
	s := NewSandbox(NewManager())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := make(chan struct{})
	defer close(block)

	err := s.Execute(ctx, "tool", "work", time.Minute, func(ctx context.Context) error {
		<-block
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeoutExceeded) {
		t.Error("caller cancellation reported as plugin timeout")
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	s := NewSandbox(NewManager())

	err := s.Execute(context.Background(), "tool", "work", time.Second, func(ctx context.Context) error {
		panic("misbehaving plugin")
	})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Execute error = %v, want recovered panic", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
