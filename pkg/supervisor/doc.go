// Package supervisor owns the registry of live workers, the warm pool that
// pre-starts workers ahead of demand, and the privileged operations that
// gate policy reload and shutdown behind a capability or shared secret.
//
// A process normally uses the package-level functions, which delegate to a
// single process-wide Supervisor instance; Shutdown drains that instance
// and replaces it with a fresh one, so the package-level surface is usable
// again immediately after a shutdown completes. Pipeline and Sandboxed
// build short-lived, per-call sandboxes on top of Spawn for callers that
// want function-call ergonomics rather than handle management.
package supervisor
