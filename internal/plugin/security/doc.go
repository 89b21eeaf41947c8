// Package security provides the admission and supervision layer for the
// plugin system: the closed permission set and its deny-by-default manager,
// per-plugin resource usage tracking, and the sandbox that composes static
// validation, permission checks, and timeout-bounded execution.
//
// The three concerns are deliberately independent axes:
//
//   - structural trust: Sandbox.ValidatePlugin inspects a candidate before
//     any of its code runs
//   - capability trust: Manager answers yes/no grant checks; Sandbox's
//     CheckPermission is the single fail-closed choke point
//   - liveness trust: Sandbox.Execute bounds every extension-supplied call
//     with a hard wall-clock deadline
//
// A plugin can fail any one of these without the others being relevant,
// and each is testable in isolation.
package security
