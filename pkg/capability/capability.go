package capability

import "crypto/rand"

// Token is an opaque capability. The zero value is not a valid token; the
// only way to obtain one is Root or a custom minted value carrying its own
// random identity bytes, so a Token can never be reconstructed from a name
// or other serializable field.
type Token struct {
	name string
	id   [16]byte
}

// root is the single canonical root capability instance for this process.
// Root always returns this value; a Token built by copying its Name() does
// not compare equal to it because the id bytes differ.
var root = mint("root")

func mint(name string) Token {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand failing is fatal to the process; there is no
		// meaningful degraded mode for an unforgeable capability.
		panic("capability: crypto/rand unavailable: " + err.Error())
	}
	return Token{name: name, id: id}
}

// Root returns the process's canonical root capability. Every call returns
// the same value; it is safe to compare the result with == or reflect.DeepEqual.
func Root() Token { return root }

// Mint creates a new, independent capability token with the given label.
// Two tokens minted with the same name are never equal to each other.
func Mint(name string) Token { return mint(name) }

// Name returns the token's human-readable label, for logging only. It must
// never be used to compare or reconstruct a token's identity.
func (t Token) Name() string { return t.name }

// Is reports whether t is identical to other — same name AND same random
// identity bytes. This is the only sanctioned equality check: a Token with
// a matching Name() but different origin (e.g. copied fields into a fresh
// struct literal) is never Is to a genuine token, because the unexported id
// field cannot be observed or reproduced from outside the package.
func (t Token) Is(other Token) bool {
	return t.name == other.name && t.id == other.id
}
