package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootIsStable(t *testing.T) {
	assert.True(t, Root().Is(Root()))
	assert.Equal(t, Root(), Root())
}

func TestMintedTokensAreDistinct(t *testing.T) {
	a := Mint("audit")
	b := Mint("audit")
	assert.False(t, a.Is(b))
	assert.NotEqual(t, a, b)
}

func TestNameIdenticalTokenIsNotCanonical(t *testing.T) {
	forged := Token{name: Root().Name()}
	assert.False(t, forged.Is(Root()))
	assert.NotEqual(t, forged, Root())
}
