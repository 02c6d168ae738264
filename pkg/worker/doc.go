// Package worker implements the per-sandbox execution engine: a sequential
// control loop that evaluates guest jobs under policy hooks (filesystem,
// network, import), accounts CPU and memory, and raises typed quota
// violations. One Worker owns one OS thread's worth of guest work; the
// Supervisor (pkg/supervisor) pools and reuses Workers.
//
// Guest code is a fixed opcode+payload Job rather than an arbitrary
// evaluated script, so policy hooks are branches inside each opcode's
// handler, and the per-message "ambient policy" is threaded explicitly
// through each dispatch instead of stored in thread-local state — sibling
// threads can never observe another worker's hook installation because
// nothing is installed, only passed.
package worker
