// Package plugin implements discovery, validated loading, and lifecycle
// management for Lua extension packages.
//
// A plugin is a directory containing an init.lua entry point and a
// plugin.json descriptor. Discovery walks the configured search paths in
// order and collects descriptors; the Manager then admits each plugin
// through structural validation and a permission grant before its entry
// point runs inside the security sandbox. Loaded plugins interact with
// the host exclusively through the preloaded host.* Lua modules, every
// one of which checks a permission before touching host resources.
//
// Lifecycle states move Discovered → Validated → Loaded → Active, with
// any step able to fail into Failed(reason) instead. Unloading a plugin
// removes all of its hook registrations and revokes all of its
// permission grants, so load/unload cycles leave no residue.
package plugin
