package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/alert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndListPrivilegedOp(t *testing.T) {
	l := openTestLog(t)
	now := time.Unix(1000, 0)
	require.NoError(t, l.RecordPrivilegedOp("", "shutdown", true, "", now))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindPrivilegedOp, entries[0].Kind)
	assert.Equal(t, "shutdown", entries[0].Operation)
	assert.True(t, entries[0].Allowed)
}

func TestRecordAlertCapturesErrorDetail(t *testing.T) {
	l := openTestLog(t)
	now := time.Unix(2000, 0)
	v := alert.Violation{Sandbox: "guest-1", Op: "Exec", Err: assertError("denied")}
	require.NoError(t, l.RecordAlert(v, now))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindAlert, entries[0].Kind)
	assert.Equal(t, "guest-1", entries[0].Sandbox)
	assert.Equal(t, "denied", entries[0].Detail)
}

func TestEntriesReturnedInChronologicalOrder(t *testing.T) {
	l := openTestLog(t)
	later := time.Unix(5000, 0)
	earlier := time.Unix(1000, 0)
	require.NoError(t, l.RecordPrivilegedOp("", "shutdown", true, "second", later))
	require.NoError(t, l.RecordPrivilegedOp("", "shutdown", true, "first", earlier))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Detail)
	assert.Equal(t, "second", entries[1].Detail)
}

type assertError string

func (e assertError) Error() string { return string(e) }
