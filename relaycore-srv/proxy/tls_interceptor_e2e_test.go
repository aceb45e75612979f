package proxy

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 2 (spec §8): a CONNECT establishing HTTPS interception mints a
// leaf certificate whose SAN matches the wildcard-normalized host, wraps
// the client stream in TLS, and leaves a readable HTTP request line on
// the other side.
func TestInterceptConnectMintsWildcardCertAndWrapsStream(t *testing.T) {
	p := newTestProxy(t, true)

	certPEM, err := os.ReadFile(p.config.Interception.CAFile)
	require.NoError(t, err)
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	caCert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	client, serverConn := net.Pipe()
	cc := NewClientConnection(serverConn, 4096)
	connect := &ConnectRequest{Authority: "sub.example.com:443", Version: HTTP11}
	session := &Session{Client: cc, Connect: connect}

	resultCh := make(chan error, 1)
	go func() {
		_, err := p.interceptConnect(session, connect.Authority, false)
		resultCh <- err
	}()

	cr := bufio.NewReader(client)
	version, code, reason, err := readStatusLine(cr)
	require.NoError(t, err)
	assert.Equal(t, HTTP11, version)
	assert.Equal(t, 200, code)
	assert.Equal(t, "Connection established", reason)
	respHeaders, err := readHeaders(cr)
	require.NoError(t, err)
	assert.NotEmpty(t, respHeaders.Get("Timestamp"))

	tlsClient := tls.Client(client, &tls.Config{RootCAs: pool, ServerName: "sub.example.com"})
	require.NoError(t, tlsClient.Handshake())

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("interceptConnect never returned")
	}
	assert.True(t, cc.IsTLSWrapped())

	leaf := tlsClient.ConnectionState().PeerCertificates[0]
	assert.Contains(t, leaf.DNSNames, "*.example.com")

	_, err = tlsClient.Write([]byte("GET / HTTP/1.1\r\nHost: sub.example.com\r\n\r\n"))
	require.NoError(t, err)

	method, target, _, err := readRequestLine(cc.Reader())
	require.NoError(t, err)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/", target)

	tlsClient.Close()
	serverConn.Close()
}

// Scenario 3 (spec §8): an excluded CONNECT target tunnels bytes
// unmodified and never touches the certificate cache.
func TestInterceptConnectExcludedTunnelsRawBytes(t *testing.T) {
	echoed := make(chan struct{})
	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := readFull(bufio.NewReader(conn), buf); err != nil {
			return
		}
		conn.Write(buf)
		close(echoed)
	})

	p := newTestProxy(t, false) // no CA configured: excluded path must never need one

	client, serverConn := net.Pipe()
	cc := NewClientConnection(serverConn, 4096)
	connect := &ConnectRequest{Authority: addr, Version: HTTP11}
	session := &Session{Client: cc, Connect: connect}

	resultCh := make(chan error, 1)
	go func() {
		_, err := p.interceptConnect(session, connect.Authority, true)
		resultCh <- err
	}()

	cr := bufio.NewReader(client)
	_, code, _, err := readStatusLine(cr)
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	_, err = readHeaders(cr)
	require.NoError(t, err)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw the tunneled bytes")
	}

	roundTrip := make([]byte, 5)
	_, err = readFull(cr, roundTrip)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(roundTrip))

	client.Close()
	<-resultCh
}
