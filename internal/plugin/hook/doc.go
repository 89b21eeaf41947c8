// Package hook implements the lifecycle-hook dispatcher: a typed pub/sub
// layer where plugins register handlers for named host events and the
// host publishes those events at real lifecycle points.
//
// Ordering is part of the contract: handlers run in strictly descending
// priority order, ties broken by registration order, and plugin authors
// may rely on this for run-before/run-after composition. Dispatch of a
// single event is sequential; different event types may dispatch
// concurrently.
//
// Failure is isolated per handler. A handler that errors, panics, or
// exceeds its owner's timeout is recorded in the dispatch results and the
// remaining handlers still run; the publisher never sees a handler
// failure as an exception. Hooks observe events, they do not veto them.
package hook
