package policy

import (
	"fmt"

	"github.com/cuemby/sandboxd/pkg/sberr"
	"gopkg.in/yaml.v2"
)

// SupportedVersion is the only policy document version this compiler accepts.
const SupportedVersion = "0.1"

// FSRule is a single filesystem allow/deny rule.
type FSRule struct {
	Action string `json:"action"` // "allow" or "deny"
	Path   string `json:"path"`
}

// NetRule is a single network allow/deny rule.
type NetRule struct {
	Action string `json:"action"` // "connect" or "deny"
	Addr   string `json:"addr"`
}

// SandboxPolicy is the compiled rule set for one named sandbox. FSExplicit
// and NetExplicit distinguish "key absent from the document" from "key
// present with an empty list" — the fs and net hooks in pkg/worker treat
// those two cases differently (see HasFS/HasNet), so the distinction must
// survive compilation even though an empty and an absent list both compile
// to a zero-length slice.
type SandboxPolicy struct {
	FS          []FSRule  `json:"fs"`
	FSExplicit  bool      `json:"-"`
	Net         []NetRule `json:"tcp"`
	NetExplicit bool      `json:"-"`
	Imports     []string  `json:"imports"`
}

// HasFS reports whether this sandbox's document had an explicit "fs" key,
// as opposed to omitting filesystem rules entirely.
func (sb SandboxPolicy) HasFS() bool { return sb.FSExplicit }

// HasNet reports whether this sandbox's document had an explicit "net" (or
// "tcp") key, as opposed to omitting network rules entirely.
func (sb SandboxPolicy) HasNet() bool { return sb.NetExplicit }

// Policy is the compiled document: one SandboxPolicy per named sandbox.
type Policy struct {
	Version   string                   `json:"version"`
	Sandboxes map[string]SandboxPolicy `json:"sandboxes"`
}

// For looks up the policy for a named sandbox, falling back to "default"
// when the name has no dedicated entry.
func (p *Policy) For(name string) (SandboxPolicy, bool) {
	if sb, ok := p.Sandboxes[name]; ok {
		return sb, true
	}
	sb, ok := p.Sandboxes["default"]
	return sb, ok
}

// Compile parses and validates a policy document (YAML or JSON — JSON is
// valid YAML) and returns the typed, conflict-checked Policy.
//
// Validation order: root must be a mapping; version must be present and
// equal to SupportedVersion; sandboxes must be a mapping (synthesized from
// the top-level keys, minus "version", when absent); each sandbox's fs/net
// entries must be single-key mappings whose action is in the allowed set;
// identical paths/addresses with differing actions are rejected as
// conflicts. First matching rule wins at lookup time; absence of any
// matching rule denies by default.
func Compile(source []byte) (*Policy, error) {
	var root map[string]interface{}
	if err := yaml.Unmarshal(source, &root); err != nil {
		return nil, sberr.NewCompileErrorf("policy document must be a mapping: %v", err)
	}
	if root == nil {
		return nil, sberr.NewCompileError("policy document must be a mapping")
	}

	version, ok := root["version"]
	if !ok {
		return nil, sberr.NewCompileError(`policy missing "version" key`)
	}
	if fmt.Sprintf("%v", version) != SupportedVersion {
		return nil, sberr.NewCompileErrorf("unsupported policy version: %v", version)
	}

	rawSandboxes, ok := root["sandboxes"]
	if ok {
		for k := range root {
			if k != "version" && k != "sandboxes" {
				return nil, sberr.NewCompileErrorf("unknown root key '%s'", k)
			}
		}
	}
	if !ok {
		promoted := make(map[string]interface{}, len(root))
		for k, v := range root {
			if k == "version" {
				continue
			}
			promoted[k] = v
		}
		rawSandboxes = map[string]interface{}{"default": promoted}
	}

	sandboxesMap, err := asStringMap(rawSandboxes)
	if err != nil {
		return nil, sberr.NewCompileErrorf("missing or invalid 'sandboxes' section: %v", err)
	}

	compiled := make(map[string]SandboxPolicy, len(sandboxesMap))
	for name, rawCfg := range sandboxesMap {
		cfg, err := asStringMap(rawCfg)
		if err != nil {
			return nil, sberr.NewCompileErrorf("sandbox '%s' must be a mapping", name)
		}
		for key := range cfg {
			if !allowedSandboxKeys[key] {
				return nil, sberr.NewCompileErrorf("unknown key '%s' in sandbox '%s'", key, name)
			}
		}

		_, hasFS := cfg["fs"]
		fsRaw, err := asList(cfg["fs"])
		if err != nil {
			return nil, sberr.NewCompileErrorf("'fs' in '%s' must be a list", name)
		}
		fsRules, err := compileFS(fsRaw, name)
		if err != nil {
			return nil, err
		}

		netSrc, hasNetKey := cfg["net"]
		tcpSrc, hasTCPKey := cfg["tcp"]
		hasNet := hasNetKey || hasTCPKey
		if !hasNetKey {
			netSrc = tcpSrc
		}
		netRaw, err := asList(netSrc)
		if err != nil {
			return nil, sberr.NewCompileErrorf("'net' in '%s' must be a list", name)
		}
		netRules, err := compileNet(netRaw, name)
		if err != nil {
			return nil, err
		}

		importsRaw, err := asList(cfg["imports"])
		if err != nil {
			return nil, sberr.NewCompileErrorf("'imports' in '%s' must be a list", name)
		}
		imports := make([]string, 0, len(importsRaw))
		for _, m := range importsRaw {
			s, ok := m.(string)
			if !ok {
				return nil, sberr.NewCompileErrorf("import rules in '%s' must be strings: %v", name, m)
			}
			imports = append(imports, s)
		}

		compiled[name] = SandboxPolicy{
			FS: fsRules, FSExplicit: hasFS,
			Net: netRules, NetExplicit: hasNet,
			Imports: imports,
		}
	}

	return &Policy{Version: SupportedVersion, Sandboxes: compiled}, nil
}

func compileFS(rules []interface{}, sandbox string) ([]FSRule, error) {
	out := make([]FSRule, 0, len(rules))
	seen := make(map[string]string, len(rules))
	for _, raw := range rules {
		m, err := asStringMap(raw)
		if err != nil || len(m) != 1 {
			return nil, sberr.NewCompileErrorf("invalid fs rule in '%s': %v", sandbox, raw)
		}
		action, path := soleEntry(m)
		pathStr, ok := path.(string)
		if !ok || (action != "allow" && action != "deny") {
			return nil, sberr.NewCompileErrorf("invalid fs action '%s' in '%s'", action, sandbox)
		}
		if prior, ok := seen[pathStr]; ok && prior != action {
			return nil, sberr.NewCompileErrorf("conflicting fs rules for '%s' in '%s'", pathStr, sandbox)
		}
		seen[pathStr] = action
		out = append(out, FSRule{Action: action, Path: pathStr})
	}
	return out, nil
}

func compileNet(rules []interface{}, sandbox string) ([]NetRule, error) {
	out := make([]NetRule, 0, len(rules))
	seen := make(map[string]string, len(rules))
	for _, raw := range rules {
		m, err := asStringMap(raw)
		if err != nil || len(m) != 1 {
			return nil, sberr.NewCompileErrorf("invalid net rule in '%s': %v", sandbox, raw)
		}
		action, addr := soleEntry(m)
		addrStr, ok := addr.(string)
		if !ok || (action != "connect" && action != "deny") {
			return nil, sberr.NewCompileErrorf("invalid net action '%s' in '%s'", action, sandbox)
		}
		if prior, ok := seen[addrStr]; ok && prior != action {
			return nil, sberr.NewCompileErrorf("conflicting net rules for '%s' in '%s'", addrStr, sandbox)
		}
		seen[addrStr] = action
		out = append(out, NetRule{Action: action, Addr: addrStr})
	}
	return out, nil
}

// allowedSandboxKeys is the strict schema for one sandbox's rule block:
// unknown keys are rejected rather than silently ignored.
var allowedSandboxKeys = map[string]bool{
	"fs": true, "net": true, "tcp": true, "imports": true,
}

func soleEntry(m map[string]interface{}) (string, interface{}) {
	for k, v := range m {
		return k, v
	}
	return "", nil
}

// asStringMap normalizes the map[interface{}]interface{} that yaml.v2
// produces for nested mappings into a map[string]interface{}.
func asStringMap(v interface{}) (map[string]interface{}, error) {
	switch m := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return m, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			out[ks] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a mapping: %v", v)
	}
}

func asList(v interface{}) ([]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	l, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("not a list: %v", v)
	}
	return l, nil
}
