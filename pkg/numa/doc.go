// Package numa resolves a NUMA node to its CPU set via sysfs and
// best-effort binds the calling OS thread's scheduling affinity to it.
// Every failure mode (non-NUMA host, missing /sys, permission denied)
// degrades to a no-op.
package numa
