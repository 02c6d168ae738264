/*
Package sberr defines the error taxonomy shared by every sandboxd component.

Each kind is a distinct Go type so callers can use errors.As to recover the
original violation rather than pattern-matching on strings. Sandbox is the
base kind: every other kind embeds a *Sandbox for its message and cause, and
IsSandbox reports whether an error is any of these kinds. errors.Is and
errors.As do not match another kind against *Sandbox, because Unwrap yields
only the wrapped cause.
*/
package sberr
