package plugin

import "errors"

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyLoaded is returned when loading an already-loaded plugin.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrNotLoaded is returned when using a plugin that is not loaded.
	ErrNotLoaded = errors.New("plugin is not loaded")

	// ErrPluginDisabled is returned when loading a plugin whose descriptor
	// marks it disabled, or when the whole subsystem is disabled.
	ErrPluginDisabled = errors.New("plugin is disabled")

	// ErrPluginFailed is returned when operating on a plugin in the
	// failed state.
	ErrPluginFailed = errors.New("plugin is in failed state")
)

// Structural metadata errors. All of these block loading.
var (
	// ErrMissingName is returned for a descriptor without a name.
	ErrMissingName = errors.New("metadata: name is required")

	// ErrMissingVersion is returned for a descriptor without a version.
	ErrMissingVersion = errors.New("metadata: version is required")

	// ErrInvalidVersion is returned when version is not semantic
	// MAJOR.MINOR.PATCH[-pre][+build].
	ErrInvalidVersion = errors.New("metadata: version must be valid semver")

	// ErrUnknownKind is returned when the descriptor's type field is not
	// one of the closed kind set.
	ErrUnknownKind = errors.New("metadata: unknown plugin type")
)
