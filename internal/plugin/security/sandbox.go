package security

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dshills/flowkit/internal/logx"
)

// PluginInfo is the descriptor-level view of a candidate the sandbox
// validates. It carries raw declared permissions so unknown strings can
// be reported as blocking errors.
type PluginInfo struct {
	Name                string
	EntryPoint          string
	SourcePath          string
	DeclaredPermissions []string
}

// ValidationResult holds the outcome of plugin admission.
// Either Valid is true with no Errors, or false with at least one.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// addError records a blocking problem.
func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

// addWarning records a non-blocking advisory.
func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// riskPattern is a high-risk source pattern flagged during screening.
type riskPattern struct {
	re   *regexp.Regexp
	desc string
}

// riskPatterns are textual signatures of dangerous constructs. Hits are
// advisory intelligence for an operator, never a gate: naive pattern
// matching produces too many false positives to block on.
var riskPatterns = []riskPattern{
	{regexp.MustCompile(`\bos\.execute\s*\(`), "shell execution (os.execute)"},
	{regexp.MustCompile(`\bio\.popen\s*\(`), "subprocess invocation (io.popen)"},
	{regexp.MustCompile(`\bloadstring\s*\(`), "dynamic code evaluation (loadstring)"},
	{regexp.MustCompile(`\bload\s*\(`), "dynamic code evaluation (load)"},
	{regexp.MustCompile(`\bdofile\s*\(`), "dynamic file execution (dofile)"},
	{regexp.MustCompile(`\bloadfile\s*\(`), "dynamic file execution (loadfile)"},
	{regexp.MustCompile(`require\s*\(?\s*["']debug["']`), "raw debug library import"},
	{regexp.MustCompile(`\brm\s+-rf?\b`), "recursive delete command"},
	{regexp.MustCompile(`\bos\.remove\s*\(`), "file removal (os.remove)"},
}

// entryPointPattern constrains entry-point references to plain relative
// Lua paths: no traversal, no absolute paths.
var entryPointPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_./-]*\.lua$`)

// Sandbox composes static validation, permission checks, and
// timeout-bounded execution into one admission-and-supervision layer.
type Sandbox struct {
	perms *Manager
}

// NewSandbox creates a sandbox backed by the given permission manager.
func NewSandbox(perms *Manager) *Sandbox {
	return &Sandbox{perms: perms}
}

// ValidatePlugin performs admission checks on a candidate before any of
// its code executes. Malformed entry points and unknown declared
// permissions are blocking errors; risky source patterns are warnings.
func (s *Sandbox) ValidatePlugin(info PluginInfo) ValidationResult {
	result := ValidationResult{Valid: true}

	switch {
	case info.EntryPoint == "":
		result.addError("entry_point: must not be empty")
	case filepath.IsAbs(info.EntryPoint):
		result.addError("entry_point: %q must be relative to the plugin directory", info.EntryPoint)
	case strings.Contains(info.EntryPoint, ".."):
		result.addError("entry_point: %q must not traverse outside the plugin directory", info.EntryPoint)
	case !entryPointPattern.MatchString(info.EntryPoint):
		result.addError("entry_point: %q is not a well-formed .lua reference", info.EntryPoint)
	}

	for _, declared := range info.DeclaredPermissions {
		if _, err := ParsePermission(declared); err != nil {
			result.addError("permissions: %q is not a known permission", declared)
		}
	}

	if info.SourcePath != "" {
		s.scanSource(info.SourcePath, &result)
	}

	if !result.Valid {
		for _, e := range result.Errors {
			logx.Log.Error().Str("plugin", info.Name).Msg("validation: " + e)
		}
	}
	for _, w := range result.Warnings {
		logx.Log.Warn().Str("plugin", info.Name).Msg("validation: " + w)
	}

	return result
}

// scanSource walks the plugin's source tree and records a warning for
// every high-risk pattern hit. An unreachable tree is itself a warning,
// not an error: screening is best-effort.
func (s *Sandbox) scanSource(dir string, result *ValidationResult) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".lua" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			result.addWarning("could not read %s for screening: %v", path, err)
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		for i, line := range strings.Split(string(data), "\n") {
			for _, p := range riskPatterns {
				if p.re.MatchString(line) {
					result.addWarning("%s:%d: %s", rel, i+1, p.desc)
				}
			}
		}
		return nil
	})
	if err != nil {
		result.addWarning("source tree not reachable for screening: %v", err)
	}
}

// CheckPermission is the choke point every privileged operation must pass
// through. A denial is fail-closed: callers must abort, never degrade.
func (s *Sandbox) CheckPermission(name string, p Permission) error {
	if !s.perms.Has(name, p) {
		return &PermissionError{Plugin: name, Permission: p}
	}
	return nil
}

// CheckOperation is CheckPermission with an operation label for clearer
// diagnostics at the call site.
func (s *Sandbox) CheckOperation(name string, p Permission, operation string) error {
	if !s.perms.Has(name, p) {
		return &PermissionError{Plugin: name, Permission: p, Operation: operation}
	}
	return nil
}

// Permissions returns the backing permission manager.
func (s *Sandbox) Permissions() *Manager {
	return s.perms
}

// Execute runs extension-supplied code under a hard wall-clock deadline.
//
// The unit runs on its own goroutine so overruns can be abandoned: true
// preemption of arbitrary code is not possible in-process, so on deadline
// the call is left to finish (or spin) on its orphaned goroutine while a
// TimeoutError is returned to the caller. Panics inside fn are recovered
// and returned as errors. The fn receives a context cancelled at the
// deadline for cooperative early exit.
func (s *Sandbox) Execute(ctx context.Context, plugin, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("plugin %q panicked in %s: %v", plugin, operation, r)
			}
		}()
		done <- fn(execCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a plugin overrun.
			return ctx.Err()
		}
		logx.Log.Warn().Str("plugin", plugin).Str("operation", operation).
			Dur("limit", timeout).Msg("plugin call exceeded timeout")
		return &TimeoutError{Plugin: plugin, Operation: operation, Limit: timeout}
	}
}

// DefaultExecutionTimeout bounds extension calls when no per-plugin
// ceiling is configured.
const DefaultExecutionTimeout = 30 * time.Second
