/*
Package policy compiles the declarative per-sandbox fs/net/import policy
document into a validated Policy, and carries that policy from disk or a
remote URL into the running supervisor.

# Document shape

	version: "0.1"
	sandboxes:
	  default:
	    fs:
	      - allow: /tmp
	      - deny: /etc
	    net:
	      - connect: 10.0.0.5:443
	    imports:
	      - json
	      - math

A document without a "sandboxes" key has its top-level keys (other than
"version") promoted into a single sandbox named "default" — the common case
for a single-tenant policy file. "tcp" is accepted as an alias for "net".

# Conflicts

Two fs or net rules for the identical path/address with differing actions
are a compile error. Rules for different (even overlapping) paths never
conflict — the first matching rule wins at lookup time, and an unmatched
path or address is denied by default.

# Refresh

Refresh reads a policy file, compiles it, and hands the compiled ruleset to
a Reloader (normally the supervisor) as a temporary JSON file that is always
removed afterward, regardless of whether the reload succeeded. RefreshRemote
does the same over HTTP, retrying only timeout-class failures.
*/
package policy
