package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWritesResourceFilesUnderOverriddenRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv(rootEnvVar, root)

	cpuMs := int64(50)
	memBytes := int64(64 << 20)
	g := Create("render-job", Resources(&cpuMs, &memBytes))
	require.NotNil(t, g)

	assert.Equal(t, filepath.Join(root, "sandboxd", "render-job"), g.Path)

	cpuMax, err := os.ReadFile(filepath.Join(g.Path, "cpu.max"))
	require.NoError(t, err)
	assert.Equal(t, "50000 1000000", string(cpuMax))

	memMax, err := os.ReadFile(filepath.Join(g.Path, "memory.max"))
	require.NoError(t, err)
	assert.Equal(t, "67108864", string(memMax))
}

func TestCreateWithNoResourcesStillMakesDirectory(t *testing.T) {
	root := t.TempDir()
	t.Setenv(rootEnvVar, root)

	g := Create("bare", nil)
	require.NotNil(t, g)
	info, err := os.Stat(g.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateUnderUnwritableRootReturnsNil(t *testing.T) {
	t.Setenv(rootEnvVar, "/proc/self/this-does-not-exist-and-cannot-be-created")
	g := Create("whatever", nil)
	assert.Nil(t, g)
}

func TestDeleteRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	t.Setenv(rootEnvVar, root)

	g := Create("gone-soon", nil)
	require.NotNil(t, g)
	g.Delete()

	_, err := os.Stat(g.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestNilGroupOperationsAreNoops(t *testing.T) {
	var g *Group
	assert.NotPanics(t, func() {
		g.AttachCurrentThread()
		g.Delete()
	})
}

func TestResourcesNilFieldsOmitted(t *testing.T) {
	res := Resources(nil, nil)
	assert.Nil(t, res.CPU)
	assert.Nil(t, res.Memory)

	var cpuMs int64 = 10
	res = Resources(&cpuMs, nil)
	require.NotNil(t, res.CPU)
	assert.Nil(t, res.Memory)
}

