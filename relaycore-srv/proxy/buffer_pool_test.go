package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolCopyBufferRelaysAllBytes(t *testing.T) {
	bp := newBufferPool(8) // smaller than the payload, forces multiple Read/Write cycles
	src := strings.NewReader("the quick brown fox jumps over the lazy dog")
	var dst bytes.Buffer

	n, err := bp.copyBuffer(&dst, src)
	require.NoError(t, err)
	assert.EqualValues(t, dst.Len(), n)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", dst.String())
}

func TestNewBufferPoolDefaultsNonPositiveSize(t *testing.T) {
	bp := newBufferPool(0)
	buf := bp.pool.Get().(*[]byte)
	assert.Equal(t, 32*1024, len(*buf))
}
