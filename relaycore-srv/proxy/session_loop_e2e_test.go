package proxy

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dispatchOverPipe wires p.dispatch to one end of an in-memory pipe and
// returns the other end for the test to drive as the client, plus a
// channel that closes once the session loop returns.
func dispatchOverPipe(p *Proxy, ep config.EndpointConfig) (client net.Conn, done <-chan struct{}) {
	clientConn, serverConn := net.Pipe()
	doneCh := make(chan struct{})
	go func() {
		p.dispatch(serverConn, ep)
		close(doneCh)
	}()
	return clientConn, doneCh
}

// Scenario 1 (spec §8): plaintext GET via explicit proxy normalizes
// Accept-Encoding and forwards an origin-form request line to upstream.
func TestSessionLoopPlaintextGETNormalizesAcceptEncoding(t *testing.T) {
	type captured struct {
		method, target string
		headers        *Headers
	}
	capturedCh := make(chan captured, 1)

	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		method, target, _, err := readRequestLine(r)
		if err != nil {
			return
		}
		headers, err := readHeaders(r)
		if err != nil {
			return
		}
		capturedCh <- captured{method, target, headers}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nOK"))
	})

	p := newTestProxy(t, false)
	ep := &config.ExplicitEndpoint{}
	client, done := dispatchOverPipe(p, ep)

	req := fmt.Sprintf("GET http://%s/a HTTP/1.1\r\nHost: %s\r\nAccept-Encoding: br\r\n\r\n", addr, addr)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	cr := bufio.NewReader(client)
	version, code, reason, err := readStatusLine(cr)
	require.NoError(t, err)
	assert.Equal(t, HTTP11, version)
	assert.Equal(t, 200, code)
	assert.Equal(t, "OK", reason)

	respHeaders, err := readHeaders(cr)
	require.NoError(t, err)
	body := make([]byte, 2)
	_, err = readFull(cr, body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
	assert.Equal(t, "2", respHeaders.Get("Content-Length"))

	select {
	case got := <-capturedCh:
		assert.Equal(t, "GET", got.method)
		assert.Equal(t, "/a", got.target)
		assert.Equal(t, "gzip,deflate", got.headers.Get("Accept-Encoding"))
		assert.Equal(t, addr, got.headers.Get("Host"))
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received a request")
	}

	client.Close()
	<-done
}

// Scenario 4 (spec §8): keep-alive reuse. Repeated requests to the same
// host reuse one upstream connection; a host change disposes it and
// dials a fresh one, and the server_connection_count invariant holds
// once the client connection closes.
func TestSessionLoopKeepAliveReuseAndHostChange(t *testing.T) {
	addrA, acceptsA := startCountingUpstream(t, keepAliveOKHandler)
	// The Upstream Connector's reuse key is host only (§4.2), so the second
	// upstream must be a genuinely different host, not just a different
	// port on the same loopback address.
	addrB, acceptsB := startCountingUpstreamOn(t, "127.0.0.2:0", keepAliveOKHandler)

	baseline := ServerConnectionCount()

	p := newTestProxy(t, false)
	ep := &config.ExplicitEndpoint{}
	client, done := dispatchOverPipe(p, ep)
	cr := bufio.NewReader(client)

	sendAndDrain := func(addr string) {
		req := fmt.Sprintf("GET http://%s/x HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
		_, err := client.Write([]byte(req))
		require.NoError(t, err)
		_, code, _, err := readStatusLine(cr)
		require.NoError(t, err)
		require.Equal(t, 200, code)
		h, err := readHeaders(cr)
		require.NoError(t, err)
		body := make([]byte, 2)
		_, err = readFull(cr, body)
		require.NoError(t, err)
		require.Equal(t, "2", h.Get("Content-Length"))
	}

	sendAndDrain(addrA)
	sendAndDrain(addrA)
	assert.EqualValues(t, 1, acceptsA.Load(), "same-host requests must reuse one upstream connection")

	sendAndDrain(addrB)
	assert.EqualValues(t, 1, acceptsB.Load(), "host change must dial exactly one new upstream connection")
	assert.EqualValues(t, 1, acceptsA.Load(), "host change must not redial the prior host")

	client.Close()
	<-done

	assert.Equal(t, baseline, ServerConnectionCount(), "counter must return to baseline once the client connection ends")
}

// Scenario 5 (spec §8): Expect: 100-continue negotiation.
func TestSessionLoopExpectContinueRelaysInterimThenBody(t *testing.T) {
	bodyCh := make(chan string, 1)

	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, _, _, err := readRequestLine(r); err != nil {
			return
		}
		headers, err := readHeaders(r)
		if err != nil {
			return
		}
		if headers.Get("Expect") != "" {
			conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
		}
		body := make([]byte, 5)
		if _, err := readFull(r, body); err != nil {
			return
		}
		bodyCh <- string(body)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nOK"))
	})

	p := newTestProxy(t, false)
	ep := &config.ExplicitEndpoint{}
	client, done := dispatchOverPipe(p, ep)
	cr := bufio.NewReader(client)

	req := fmt.Sprintf("POST http://%s/upload HTTP/1.1\r\nHost: %s\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n", addr, addr)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	version, code, reason, err := readStatusLine(cr)
	require.NoError(t, err)
	assert.Equal(t, HTTP11, version)
	assert.Equal(t, 100, code)
	assert.Equal(t, "Continue", reason)
	interimHeaders, err := readHeaders(cr)
	require.NoError(t, err)
	assert.Empty(t, interimHeaders.Names())

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-bodyCh:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the request body")
	}

	_, code, _, err = readStatusLine(cr)
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	if _, err := readHeaders(cr); err != nil {
		t.Fatalf("reading final response headers: %v", err)
	}
	final := make([]byte, 2)
	_, err = readFull(cr, final)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(final))

	client.Close()
	<-done
}

// Scenario 6 (spec §8): WebSocket upgrade hands both sockets to the raw
// tunnel after the upgrade request line and headers are replayed.
func TestSessionLoopWebSocketUpgradeTunnelsBidirectionally(t *testing.T) {
	upgradeSeen := make(chan bool, 1)

	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, _, _, err := readRequestLine(r); err != nil {
			return
		}
		headers, err := readHeaders(r)
		if err != nil {
			return
		}
		upgradeSeen <- headers.Get("Upgrade") == "websocket"
		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))

		buf := make([]byte, 5)
		if _, err := readFull(r, buf); err != nil {
			return
		}
		conn.Write(buf) // echo raw bytes back through the tunnel
	})

	p := newTestProxy(t, false)
	ep := &config.ExplicitEndpoint{}
	client, done := dispatchOverPipe(p, ep)
	cr := bufio.NewReader(client)

	req := fmt.Sprintf("GET /ws HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n", addr)
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	select {
	case ok := <-upgradeSeen:
		assert.True(t, ok, "upstream must see the Upgrade: websocket header verbatim")
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the upgrade request")
	}

	_, code, reason, err := readStatusLine(cr)
	require.NoError(t, err)
	assert.Equal(t, 101, code)
	assert.Equal(t, "Switching Protocols", reason)
	if _, err := readHeaders(cr); err != nil {
		t.Fatalf("reading upgrade response headers: %v", err)
	}

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	echoed := make([]byte, 5)
	_, err = readFull(cr, echoed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(echoed))

	client.Close()
	<-done
}

// readFull reads exactly len(buf) bytes from r, the way io.ReadFull does,
// but through the bufio.Reader tests already have in hand.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
