package proxy

import (
	"io"
	"sync"
)

// bufferPool hands out byte slices sized to one Proxy's configured
// buffer_size (§6), so the Raw Tunnel's copy loop reuses buffers of the
// same size the Line/Header Codec was built with instead of a fixed
// constant. Pooling avoids a fresh allocation per copyBuffer call.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = 32 * 1024
	}
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

func (bp *bufferPool) copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := bp.pool.Get().(*[]byte)
	defer bp.pool.Put(buf)
	// Hide any WriterTo/ReaderFrom on src/dst (a *bufio.Reader source has
	// one) so io.CopyBuffer actually copies through the pooled buffer.
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, *buf)
}
