package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dshills/flowkit/internal/plugin/security"
)

// Filesystem layout contract for a plugin directory.
const (
	// DescriptorFile is the metadata descriptor every plugin ships.
	DescriptorFile = "plugin.json"

	// MarkerFile marks a directory as a plugin package and is the
	// default entry point.
	MarkerFile = "init.lua"
)

// DefaultTimeoutSeconds is the per-call ceiling when a descriptor does
// not set one.
const DefaultTimeoutSeconds = 30

// Kind is the closed set of extension kinds. Admission logic switches
// over it exhaustively; new behavior means a new constant.
type Kind string

// Plugin kinds.
const (
	KindAgent       Kind = "agent"
	KindWorkflow    Kind = "workflow"
	KindMethodology Kind = "methodology"
	KindTool        Kind = "tool"
)

// ParseKind maps a descriptor type field to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAgent, KindWorkflow, KindMethodology, KindTool:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// semverPattern validates MAJOR.MINOR.PATCH[-pre][+build] versions.
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// Metadata is the immutable description of one discovered plugin.
// Construction enforces its invariants: it never exists with an empty
// name, version, or entry point, or a non-semver version.
type Metadata struct {
	Name        string
	Version     string
	Kind        Kind
	EntryPoint  string
	SourcePath  string
	Description string
	Author      string

	// Dependencies is informational only; the loader does not resolve it.
	Dependencies []string

	// DeclaredPermissions holds the raw permission strings as written in
	// the descriptor. Unknown strings are kept so the sandbox can report
	// them as blocking errors.
	DeclaredPermissions []string

	TimeoutSeconds int
	Enabled        bool
}

// descriptor mirrors the plugin.json document.
type descriptor struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Type           string   `json:"type"`
	EntryPoint     string   `json:"entry_point"`
	Description    string   `json:"description"`
	Author         string   `json:"author"`
	Dependencies   []string `json:"dependencies"`
	Permissions    []string `json:"permissions"`
	Enabled        *bool    `json:"enabled"`
	TimeoutSeconds *int     `json:"timeout_seconds"`
}

// LoadMetadata reads and validates a plugin descriptor file. The
// returned metadata's SourcePath is the descriptor's directory.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}

	return NewMetadata(d, filepath.Dir(path))
}

// NewMetadata constructs validated metadata from descriptor fields.
func NewMetadata(d descriptor, sourcePath string) (*Metadata, error) {
	if d.Name == "" {
		return nil, ErrMissingName
	}
	if d.Version == "" {
		return nil, ErrMissingVersion
	}
	if !semverPattern.MatchString(d.Version) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, d.Version)
	}

	kind, err := ParseKind(d.Type)
	if err != nil {
		return nil, err
	}

	entry := d.EntryPoint
	if entry == "" {
		entry = MarkerFile
	}

	m := &Metadata{
		Name:                d.Name,
		Version:             d.Version,
		Kind:                kind,
		EntryPoint:          entry,
		SourcePath:          sourcePath,
		Description:         d.Description,
		Author:              d.Author,
		Dependencies:        append([]string(nil), d.Dependencies...),
		DeclaredPermissions: append([]string(nil), d.Permissions...),
		TimeoutSeconds:      DefaultTimeoutSeconds,
		Enabled:             true,
	}
	if d.TimeoutSeconds != nil && *d.TimeoutSeconds > 0 {
		m.TimeoutSeconds = *d.TimeoutSeconds
	}
	if d.Enabled != nil {
		m.Enabled = *d.Enabled
	}

	return m, nil
}

// Timeout returns the per-call ceiling as a duration.
func (m *Metadata) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// EntryPath returns the absolute path to the entry point file.
func (m *Metadata) EntryPath() string {
	return filepath.Join(m.SourcePath, m.EntryPoint)
}

// Permissions returns the parsed, known subset of declared permissions.
// Unknown declared strings are logged and dropped here; the sandbox
// separately reports them as validation errors.
func (m *Metadata) Permissions() []security.Permission {
	return security.ParsePermissions(m.Name, m.DeclaredPermissions)
}

// SecurityInfo returns the descriptor-level view the sandbox validates.
func (m *Metadata) SecurityInfo() security.PluginInfo {
	return security.PluginInfo{
		Name:                m.Name,
		EntryPoint:          m.EntryPoint,
		SourcePath:          m.SourcePath,
		DeclaredPermissions: append([]string(nil), m.DeclaredPermissions...),
	}
}

// Clone returns a deep copy so callers cannot mutate shared metadata.
func (m *Metadata) Clone() *Metadata {
	clone := *m
	clone.Dependencies = append([]string(nil), m.Dependencies...)
	clone.DeclaredPermissions = append([]string(nil), m.DeclaredPermissions...)
	return &clone
}

// String returns "name vVersion".
func (m *Metadata) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}
