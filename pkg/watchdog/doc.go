// Package watchdog consumes an externally-provided stream of out-of-band
// resource samples — {name, cpu_ms, rss_bytes}, typically produced by a
// cgroup poller or similar collaborator outside this module — and forcibly
// terminates any worker whose sample crosses its own quota.
//
// This is the backstop for the in-worker cooperative checks in pkg/worker:
// a worker spinning inside a single long dispatch (an OpBusy job, say)
// only re-checks its own quota between iterations, so an external sampler
// gives the supervisor a way to end it without waiting on the worker's own
// cooperation.
package watchdog
