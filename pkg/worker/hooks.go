package worker

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/sandboxd/pkg/policy"
	"github.com/cuemby/sandboxd/pkg/sberr"
)

// systemConfigPrefix is the prefix the implicit filesystem policy (no "fs"
// key in the document) always denies, regardless of any allow rules.
const systemConfigPrefix = "/etc"

// hookSet is the per-message ambient policy: recomputed at the start of
// every dispatch from the worker's current SandboxPolicy and allow-set,
// then passed explicitly into the handler instead of being stashed in a
// goroutine-local or global slot. Hook state stays scoped to the single
// dispatch that built it; sibling threads cannot observe it because
// nothing is shared, it's a plain argument.
type hookSet struct {
	sb             policy.SandboxPolicy
	allowedImports map[string]struct{}
	importsGated   bool
}

// checkFS applies the filesystem hook to an absolute path. An explicit
// "fs" key restricts the path to one of its allow-prefixes (first matching
// rule wins); an absent "fs" key denies only the system-config prefix.
func (h hookSet) checkFS(path string) error {
	if !h.sb.HasFS() {
		if underPrefix(path, systemConfigPrefix) {
			return sberr.NewPolicy("path '" + path + "' denied: under system-config prefix " + systemConfigPrefix)
		}
		return nil
	}
	for _, rule := range h.sb.FS {
		if underPrefix(path, rule.Path) {
			if rule.Action == "allow" {
				return nil
			}
			return sberr.NewPolicy("path '" + path + "' denied by rule for '" + rule.Path + "'")
		}
	}
	return sberr.NewPolicy("path '" + path + "' matches no fs rule")
}

// checkNet applies the network hook to a "host:port" destination. A
// missing "net" key allows every destination (legacy default); an explicit
// "net" key — even an empty one — requires a matching rule (exact string
// or glob pattern); the first matching rule decides.
func (h hookSet) checkNet(hostport string) error {
	if !h.sb.HasNet() {
		return nil
	}
	for _, rule := range h.sb.Net {
		if rule.Addr == hostport || matchGlob(rule.Addr, hostport) {
			if rule.Action == "connect" {
				return nil
			}
			return sberr.NewPolicy("connect to '" + hostport + "' denied by rule for '" + rule.Addr + "'")
		}
	}
	return sberr.NewPolicy("connect to '" + hostport + "' matches no net rule")
}

// checkImport applies the import hook to a dotted module name: only the
// top-level component is checked against the allow-set. Absence of an
// allow-set disables import restrictions entirely (but module wrapping —
// handled by the caller via ImportedModule — still applies).
func (h hookSet) checkImport(module string) error {
	if !h.importsGated {
		return nil
	}
	top, _, _ := strings.Cut(module, ".")
	if _, ok := h.allowedImports[top]; ok {
		return nil
	}
	return sberr.NewPolicy("import '" + module + "' not in allowed imports")
}

// underPrefix reports whether path descends from rule, matched by path
// component rather than raw string prefix (so "/foo" admits "/foo/x" but
// never "/foobar"), with glob support when rule contains glob
// metacharacters.
func underPrefix(path, rule string) bool {
	if strings.ContainsAny(rule, "*?[") {
		return matchGlob(rule, path)
	}
	pathParts := splitPath(path)
	ruleParts := splitPath(rule)
	if len(ruleParts) > len(pathParts) {
		return false
	}
	for i, rp := range ruleParts {
		if pathParts[i] != rp {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = filepath.Clean(p)
	parts := strings.Split(p, string(filepath.Separator))
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func matchGlob(pattern, s string) bool {
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

// hostPort splits addr at its last colon into host and a numeric port and
// rejoins them as "host:port". Everything before the last colon is kept as
// the host (so an IPv6 literal keeps its inner colons); trailing address
// fields after the port are not stripped.
func hostPort(addr string) (string, bool) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return "", false
	}
	host := addr[:idx]
	port := addr[idx+1:]
	if _, err := strconv.Atoi(port); err != nil {
		return "", false
	}
	return host + ":" + port, true
}
