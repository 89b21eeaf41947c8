package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writePlugin lays down a minimal valid plugin package under root.
func writePlugin(t *testing.T, root, dir, name, version string) string {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	descriptor := `{"name": "` + name + `", "version": "` + version + `", "type": "tool"}`
	if err := os.WriteFile(filepath.Join(pluginDir, DescriptorFile), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, MarkerFile), []byte("-- empty\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return pluginDir
}

func discoveredNames(metas []*Metadata) []string {
	names := make([]string, len(metas))
	for i, m := range metas {
		names[i] = m.Name
	}
	return names
}

func TestDiscoverLexicalOrder(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "zeta", "zeta", "1.0.0")
	writePlugin(t, root, "alpha", "alpha", "1.0.0")
	writePlugin(t, root, "mid", "mid", "1.0.0")

	found := NewDiscovery(root).Discover()
	want := []string{"alpha", "mid", "zeta"}
	if diff := cmp.Diff(want, discoveredNames(found)); diff != "" {
		t.Errorf("discovery order mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverPathOrderBeforeLexical(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writePlugin(t, first, "zz", "zz", "1.0.0")
	writePlugin(t, second, "aa", "aa", "1.0.0")

	found := NewDiscovery(first, second).Discover()
	want := []string{"zz", "aa"}
	if diff := cmp.Diff(want, discoveredNames(found)); diff != "" {
		t.Errorf("path precedence mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverDuplicateFirstPathWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writePlugin(t, first, "dup", "shared", "1.0.0")
	writePlugin(t, second, "dup", "shared", "2.0.0")

	found := NewDiscovery(first, second).Discover()
	if len(found) != 1 {
		t.Fatalf("found = %d plugins, want 1", len(found))
	}
	if found[0].Version != "1.0.0" {
		t.Errorf("Version = %q, want first path's 1.0.0", found[0].Version)
	}
}

func TestDiscoverRequiresMarkerAndDescriptor(t *testing.T) {
	root := t.TempDir()

	// Marker without descriptor.
	onlyMarker := filepath.Join(root, "marker-only")
	if err := os.MkdirAll(onlyMarker, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(onlyMarker, MarkerFile), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	// Descriptor without marker.
	onlyDesc := filepath.Join(root, "descriptor-only")
	if err := os.MkdirAll(onlyDesc, 0o755); err != nil {
		t.Fatal(err)
	}
	desc := `{"name": "half", "version": "1.0.0", "type": "tool"}`
	if err := os.WriteFile(filepath.Join(onlyDesc, DescriptorFile), []byte(desc), 0o644); err != nil {
		t.Fatal(err)
	}

	if found := NewDiscovery(root).Discover(); len(found) != 0 {
		t.Errorf("found = %v, want none", discoveredNames(found))
	}
}

func TestDiscoverSkipsMalformedDescriptor(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "good", "good", "1.0.0")

	bad := filepath.Join(root, "bad")
	if err := os.MkdirAll(bad, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, DescriptorFile), []byte(`{"name":`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, MarkerFile), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	found := NewDiscovery(root).Discover()
	if diff := cmp.Diff([]string{"good"}, discoveredNames(found)); diff != "" {
		t.Errorf("malformed descriptor not skipped (-want +got):\n%s", diff)
	}
}

func TestDiscoverSkipsHiddenAndCacheDirs(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, ".hidden", "hidden", "1.0.0")
	writePlugin(t, root, "_private", "private", "1.0.0")
	writePlugin(t, root, "luacache", "cached", "1.0.0")
	writePlugin(t, root, "real", "real", "1.0.0")

	found := NewDiscovery(root).Discover()
	if diff := cmp.Diff([]string{"real"}, discoveredNames(found)); diff != "" {
		t.Errorf("skip rules mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverRoundTrip(t *testing.T) {
	root := t.TempDir()
	pluginDir := filepath.Join(root, "full")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	descriptor := `{
		"name": "full",
		"version": "2.1.0",
		"type": "workflow",
		"entry_point": "init.lua",
		"description": "complete descriptor",
		"author": "dev",
		"dependencies": ["other"],
		"permissions": ["hooks.register"],
		"timeout_seconds": 12
	}`
	if err := os.WriteFile(filepath.Join(pluginDir, DescriptorFile), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, MarkerFile), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	found := NewDiscovery(root).Discover()
	if len(found) != 1 {
		t.Fatalf("found = %d, want 1", len(found))
	}

	want := &Metadata{
		Name:                "full",
		Version:             "2.1.0",
		Kind:                KindWorkflow,
		EntryPoint:          "init.lua",
		SourcePath:          pluginDir,
		Description:         "complete descriptor",
		Author:              "dev",
		Dependencies:        []string{"other"},
		DeclaredPermissions: []string{"hooks.register"},
		TimeoutSeconds:      12,
		Enabled:             true,
	}
	if diff := cmp.Diff(want, found[0]); diff != "" {
		t.Errorf("metadata round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverMissingPath(t *testing.T) {
	found := NewDiscovery(filepath.Join(t.TempDir(), "does-not-exist")).Discover()
	if len(found) != 0 {
		t.Errorf("found = %d, want 0 for missing path", len(found))
	}
}
