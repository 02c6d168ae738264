// Package capability provides identity-checked opaque tokens used to gate
// privileged operations on a Supervisor. A token's identity lives in
// unexported random bytes, so no caller can reconstruct an existing token
// from its visible fields: a Token is only ever equal to itself.
package capability
