package proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersPreservesRepeatsAndOrder(t *testing.T) {
	h := NewHeaders()
	h.Add("Set-Cookie", "a=1")
	h.Add("X-Trace", "1")
	h.Add("Set-Cookie", "b=2")

	assert.Equal(t, []string{"Set-Cookie", "X-Trace"}, h.Names())
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
	assert.Equal(t, "a=1", h.Get("Set-Cookie"))
}

func TestHeadersSetReplacesAllValues(t *testing.T) {
	h := NewHeaders()
	h.Add("X-A", "1")
	h.Add("X-A", "2")
	h.Set("X-A", "3")
	assert.Equal(t, []string{"3"}, h.Values("X-A"))
}

func TestHeadersDelRemovesFromOrder(t *testing.T) {
	h := NewHeaders()
	h.Set("X-A", "1")
	h.Set("X-B", "2")
	h.Del("X-A")
	assert.Equal(t, []string{"X-B"}, h.Names())
	assert.Equal(t, "", h.Get("X-A"))
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	h := NewHeaders()
	h.Set("X-A", "1")
	clone := h.Clone()
	clone.Set("X-A", "2")
	assert.Equal(t, "1", h.Get("X-A"))
	assert.Equal(t, "2", clone.Get("X-A"))
}

func TestRequestLockRejectsGuardedMutation(t *testing.T) {
	h := NewHeaders()
	h.Set("X-A", "1")
	req := &Request{Headers: h}

	assert.True(t, req.SetHeader("X-B", "2"))
	req.Lock()
	assert.True(t, req.Locked())

	assert.False(t, req.SetHeader("X-C", "3"))
	assert.False(t, req.AddHeader("X-C", "3"))
	assert.False(t, req.DeleteHeader("X-A"))
	assert.Equal(t, "1", h.Get("X-A"))
	assert.Equal(t, "", h.Get("X-C"))
}

func TestUpstreamConnectionDisposeIsIdempotent(t *testing.T) {
	before := ServerConnectionCount()
	serverConnectionCount.Add(1)

	client, server := net.Pipe()
	defer server.Close()
	u := &UpstreamConnection{Conn: client}

	require.NoError(t, u.Dispose())
	require.NoError(t, u.Dispose())

	assert.Equal(t, before, ServerConnectionCount())
}

func TestClientConnectionWriterFlushesToUnderlyingConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewClientConnection(client, 4096)
	assert.False(t, cc.IsTLSWrapped())

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 3)
		_, _ = server.Read(buf)
	}()

	_, _ = cc.Writer().WriteString("abc")
	_ = cc.Writer().Flush()
	<-done
}
