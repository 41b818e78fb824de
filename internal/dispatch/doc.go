// Package dispatch is the asynchronous submission surface. It wraps a unit of
// work in a Handle, runs it on a worker pool with a fresh transaction context,
// optionally inside a transaction boundary, and records its lifecycle in a
// journal and on a Broker.
//
// A failure is attached to the Handle when the caller dispatched for a
// result. Fire-and-forget failures go to the process-wide UncaughtHandler.
package dispatch
