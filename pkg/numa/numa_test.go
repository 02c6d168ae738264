package numa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUList(t *testing.T) {
	cpus, err := parseCPUList("0-3,8,10-11")
	require.NoError(t, err)
	for _, want := range []int{0, 1, 2, 3, 8, 10, 11} {
		_, ok := cpus[want]
		assert.Truef(t, ok, "expected cpu %d present", want)
	}
	assert.Len(t, cpus, 7)
}

func TestParseCPUListEmpty(t *testing.T) {
	cpus, err := parseCPUList("")
	require.NoError(t, err)
	assert.Empty(t, cpus)
}

func TestCPUsMissingNodeReturnsEmptySet(t *testing.T) {
	assert.Empty(t, CPUs(99999))
}
