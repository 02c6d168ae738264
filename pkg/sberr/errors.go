package sberr

import "fmt"

// Sandbox is the base error kind. Every other kind in this package embeds a
// *Sandbox so it carries the same Message/Cause/Error/Unwrap behavior while
// remaining its own concrete type for errors.As.
type Sandbox struct {
	Message string
	Cause   error
}

func (e *Sandbox) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Sandbox) Unwrap() error { return e.Cause }

// kind is implemented by every error type in this package so IsSandbox can
// recognize them without an exhaustive type switch.
func (e *Sandbox) kind() {}

type sandboxKind interface {
	error
	kind()
}

// New returns a base Sandbox error.
func New(msg string) *Sandbox { return &Sandbox{Message: msg} }

// Newf returns a base Sandbox error with a formatted message.
func Newf(format string, args ...any) *Sandbox {
	return &Sandbox{Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a base Sandbox error wrapping cause.
func Wrap(msg string, cause error) *Sandbox {
	return &Sandbox{Message: msg, Cause: cause}
}

// Policy is raised when a policy hook (fs, net, or import) rejects an
// operation.
type Policy struct{ *Sandbox }

func NewPolicy(msg string) *Policy        { return &Policy{&Sandbox{Message: msg}} }
func NewPolicyf(f string, a ...any) *Policy {
	return &Policy{&Sandbox{Message: fmt.Sprintf(f, a...)}}
}

// PolicyAuth is raised when a privileged supervisor operation is attempted
// with an invalid capability or secret.
type PolicyAuth struct{ *Sandbox }

func NewPolicyAuth(msg string) *PolicyAuth { return &PolicyAuth{&Sandbox{Message: msg}} }

// Timeout is raised when a bounded wait (recv, call, stop, remote fetch)
// elapses without a result.
type Timeout struct{ *Sandbox }

func NewTimeout(msg string) *Timeout { return &Timeout{&Sandbox{Message: msg}} }

// MemoryExceeded is raised when a worker's peak memory exceeds its quota.
type MemoryExceeded struct{ *Sandbox }

func NewMemoryExceeded(msg string) *MemoryExceeded { return &MemoryExceeded{&Sandbox{Message: msg}} }

// CPUExceeded is raised when a worker's accumulated CPU time exceeds its
// quota, whether detected cooperatively or by the watchdog.
type CPUExceeded struct{ *Sandbox }

func NewCPUExceeded(msg string) *CPUExceeded { return &CPUExceeded{&Sandbox{Message: msg}} }

// Ownership is raised by the restricted OpExec subset when a moved value is
// accessed again.
type Ownership struct{ *Sandbox }

func NewOwnership(msg string) *Ownership { return &Ownership{&Sandbox{Message: msg}} }

// InvalidFrame is raised by the channel when a frame is too short, oversize,
// or fails AEAD decryption.
type InvalidFrame struct{ *Sandbox }

func NewInvalidFrame(msg string) *InvalidFrame { return &InvalidFrame{&Sandbox{Message: msg}} }

// Replay is raised by the channel when a frame's counter does not match the
// expected next receive counter.
type Replay struct{ *Sandbox }

func NewReplay(msg string) *Replay { return &Replay{&Sandbox{Message: msg}} }

// Overflow is raised by the channel when a counter would exceed CTR_LIMIT.
type Overflow struct{ *Sandbox }

func NewOverflow(msg string) *Overflow { return &Overflow{&Sandbox{Message: msg}} }

// InvalidSnapshot is raised by checkpoint/restore for malformed payloads.
type InvalidSnapshot struct{ *Sandbox }

func NewInvalidSnapshot(msg string) *InvalidSnapshot { return &InvalidSnapshot{&Sandbox{Message: msg}} }

// CompileError is raised by the policy compiler for malformed or conflicting
// documents.
type CompileError struct{ *Sandbox }

func NewCompileError(msg string) *CompileError { return &CompileError{&Sandbox{Message: msg}} }
func NewCompileErrorf(f string, a ...any) *CompileError {
	return &CompileError{&Sandbox{Message: fmt.Sprintf(f, a...)}}
}

// IsSandbox reports whether err is one of this package's typed errors, as
// opposed to an arbitrary host-side failure.
func IsSandbox(err error) bool {
	_, ok := err.(sandboxKind)
	return ok
}

// AsSandbox wraps err in a base Sandbox unless it already is one of this
// package's kinds, matching the worker's "only non-sandbox exceptions are
// wrapped" propagation rule.
func AsSandbox(err error) error {
	if err == nil {
		return nil
	}
	if IsSandbox(err) {
		return err
	}
	return Wrap("sandbox operation failed", err)
}
