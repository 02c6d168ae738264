package sberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	base := New("boom")
	assert.Equal(t, "boom", base.Error())

	cause := errors.New("host down")
	wrapped := Wrap("call failed", cause)
	assert.Equal(t, "call failed: host down", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestKindsAreDistinctTypes(t *testing.T) {
	var err error = NewPolicy("fs write denied: /etc/passwd")

	var policy *Policy
	require.True(t, errors.As(err, &policy))
	assert.Equal(t, "fs write denied: /etc/passwd", policy.Error())

	var cpu *CPUExceeded
	assert.False(t, errors.As(err, &cpu))
}

func TestIsSandboxDistinguishesHostErrors(t *testing.T) {
	assert.True(t, IsSandbox(NewOwnership("value already moved")))
	assert.True(t, IsSandbox(NewCompileError("duplicate fs rule")))
	assert.False(t, IsSandbox(errors.New("plain host error")))
}

func TestAsSandboxWrapsOnlyNonSandboxErrors(t *testing.T) {
	to := NewTimeout("recv timed out")
	assert.Same(t, error(to), AsSandbox(to))

	host := errors.New("connection reset")
	wrapped := AsSandbox(host)
	var sb *Sandbox
	require.True(t, errors.As(wrapped, &sb))
	assert.ErrorIs(t, wrapped, host)
}

func TestAsSandboxNilIsNil(t *testing.T) {
	assert.Nil(t, AsSandbox(nil))
}
