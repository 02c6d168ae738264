// Package cgroup is a best-effort cgroup-v2 resource group adapter used to
// bound a worker's CPU and memory independently of the cooperative
// in-process accounting in pkg/worker. Every operation swallows permission
// and missing-filesystem errors rather than failing the caller: resource
// groups are a defense-in-depth measure, not the primary quota mechanism,
// and are routinely unavailable in containers or on non-Linux hosts.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const rootEnvVar = "SANDBOXD_CGROUP_ROOT"

func baseDir() string {
	root := os.Getenv(rootEnvVar)
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	return filepath.Join(root, "sandboxd")
}

// Group is a handle to one cgroup-v2 directory.
type Group struct {
	Path string
}

// Resources builds the subset of specs.LinuxResources this package
// understands: a CPU quota derived from a millisecond-per-second budget,
// and a flat memory ceiling.
func Resources(cpuMs, memBytes *int64) *specs.LinuxResources {
	res := &specs.LinuxResources{}
	if cpuMs != nil {
		period := uint64(1_000_000)
		quota := *cpuMs * 1000
		res.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	if memBytes != nil {
		res.Memory = &specs.LinuxMemory{Limit: memBytes}
	}
	return res
}

// Create makes (or reuses) a cgroup directory for name and applies the
// given resource limits. It returns nil, never an error, when the host
// doesn't support or permit cgroup manipulation — callers treat a nil
// Group as "no resource group backing this worker" and fall back entirely
// to cooperative accounting.
func Create(name string, resources *specs.LinuxResources) *Group {
	path := filepath.Join(baseDir(), name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil
	}

	g := &Group{Path: path}
	if resources == nil {
		return g
	}
	if cpu := resources.CPU; cpu != nil && cpu.Quota != nil && cpu.Period != nil {
		write(filepath.Join(path, "cpu.max"), fmt.Sprintf("%d %d", *cpu.Quota, *cpu.Period))
	}
	if mem := resources.Memory; mem != nil && mem.Limit != nil {
		write(filepath.Join(path, "memory.max"), strconv.FormatInt(*mem.Limit, 10))
	}
	return g
}

// AttachCurrentThread moves the calling OS thread into the group. The
// caller must have called runtime.LockOSThread first, or the attachment
// may apply to whichever thread the goroutine is next scheduled on.
func (g *Group) AttachCurrentThread() {
	if g == nil {
		return
	}
	tid := unix.Gettid()
	write(filepath.Join(g.Path, "cgroup.threads"), strconv.Itoa(tid))
}

// Delete removes the group's files and directory, best-effort.
func (g *Group) Delete() {
	if g == nil {
		return
	}
	entries, err := os.ReadDir(g.Path)
	if err == nil {
		for _, e := range entries {
			_ = os.Remove(filepath.Join(g.Path, e.Name()))
		}
	}
	_ = os.Remove(g.Path)
}

func write(path, val string) {
	_ = os.WriteFile(path, []byte(val), 0o644)
}
