package worker

import (
	"sort"

	"github.com/cuemby/sandboxd/pkg/policy"
)

// Config is a worker's configuration: the inputs to spawn/reset and the
// shape captured by Snapshot and restored by pkg/snapshot.
type Config struct {
	Name           string                `json:"name"`
	Policy         *policy.SandboxPolicy `json:"policy,omitempty"`
	CPUQuotaMs     *int64                `json:"cpu_ms,omitempty"`
	MemQuotaBytes  *int64                `json:"mem_bytes,omitempty"`
	AllowedImports []string              `json:"allowed_imports,omitempty"`
	NUMANode       *int                  `json:"numa_node,omitempty"`
}

// normalizedImports merges cfg.AllowedImports with cfg.Policy.Imports and
// returns the result as a deduplicated, sorted slice so repeated Snapshot
// calls are stable and comparable.
func (cfg Config) normalizedImports() []string {
	set := make(map[string]struct{}, len(cfg.AllowedImports))
	for _, m := range cfg.AllowedImports {
		set[m] = struct{}{}
	}
	if cfg.Policy != nil {
		for _, m := range cfg.Policy.Imports {
			set[m] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// hasAllowedImports reports whether cfg carries any import restriction at
// all (policy-declared or explicit). Absence disables import restrictions
// entirely.
func (cfg Config) hasAllowedImports() bool {
	return len(cfg.AllowedImports) > 0 || (cfg.Policy != nil && len(cfg.Policy.Imports) > 0)
}
