package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/flowkit/internal/logx"
)

// Discovery walks configured directories and parses the metadata of every
// structurally valid plugin package it finds. It is read-only: no plugin
// code executes during discovery, which is what makes it safe to run
// before any trust decision.
type Discovery struct {
	paths []string
}

// NewDiscovery creates a discovery over the given search paths, checked
// in order.
func NewDiscovery(paths ...string) *Discovery {
	return &Discovery{paths: paths}
}

// Paths returns the configured search paths.
func (d *Discovery) Paths() []string {
	return d.paths
}

// Discover scans every search path and returns validated metadata in
// discovery order: path order, then lexical within a directory. The
// order carries no semantics but is deterministic for reproducibility.
//
// Failures are local: a missing search path, a non-candidate directory,
// or a malformed descriptor each skip that entry and the scan continues.
func (d *Discovery) Discover() []*Metadata {
	var found []*Metadata
	seen := make(map[string]string)

	for _, base := range d.paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if !os.IsNotExist(err) {
				logx.Log.Warn().Str("path", base).Err(err).Msg("cannot read plugin search path")
			} else {
				logx.Log.Debug().Str("path", base).Msg("plugin search path does not exist")
			}
			continue
		}

		// os.ReadDir returns entries sorted by name.
		for _, entry := range entries {
			if !entry.IsDir() || skipDir(entry.Name()) {
				continue
			}

			dir := filepath.Join(base, entry.Name())
			meta, ok := d.inspect(dir)
			if !ok {
				continue
			}

			if prev, dup := seen[meta.Name]; dup {
				logx.Log.Warn().Str("plugin", meta.Name).Str("path", dir).
					Str("first", prev).Msg("duplicate plugin name, first path wins")
				continue
			}
			seen[meta.Name] = dir
			found = append(found, meta)
		}
	}

	return found
}

// inspect examines one directory. A directory is a candidate only when it
// contains both the package marker and the descriptor; anything else is
// silently "not a plugin here". Candidate parse failures downgrade to a
// warning.
func (d *Discovery) inspect(dir string) (*Metadata, bool) {
	markerPath := filepath.Join(dir, MarkerFile)
	descriptorPath := filepath.Join(dir, DescriptorFile)

	if _, err := os.Stat(markerPath); err != nil {
		return nil, false
	}
	if _, err := os.Stat(descriptorPath); err != nil {
		return nil, false
	}

	meta, err := LoadMetadata(descriptorPath)
	if err != nil {
		logx.Log.Warn().Str("path", dir).Err(err).Msg("skipping plugin with invalid descriptor")
		return nil, false
	}

	logx.Log.Debug().Str("plugin", meta.Name).Str("version", meta.Version).
		Str("kind", string(meta.Kind)).Str("path", dir).Msg("discovered plugin")
	return meta, true
}

// skipDir filters dotfiles and cache directories out of the scan.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "_") ||
		strings.HasSuffix(name, "cache")
}
