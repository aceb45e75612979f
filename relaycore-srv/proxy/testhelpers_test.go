package proxy

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/authn"
	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/relaycore/relaycore/relaycore-srv/stats"
	"github.com/stretchr/testify/require"
)

// newTestProxy builds a Proxy suitable for session-loop level tests: a
// dummy stats collector, no authentication, and (when withCA is true) a
// certificate cache backed by a freshly minted throwaway CA.
func newTestProxy(t *testing.T, withCA bool) *Proxy {
	t.Helper()

	cfg := &config.Config{
		BufferSize:        4096,
		Enable100Continue: true,
		TimeoutSeconds:    5,
	}
	if withCA {
		certPath, keyPath := generateTestCA(t)
		cfg.Interception = config.InterceptionConfig{CAFile: certPath, CAKeyFile: keyPath}
	}

	p, err := New(cfg, stats.NewDummyCollector(), authn.None{})
	require.NoError(t, err)
	return p
}

// generateTestCA mints a throwaway self-signed CA certificate and key,
// writes them as PEM to temp files, and returns their paths for
// certauthority.LoadCA.
func generateTestCA(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "relaycore test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "ca.pem")
	keyPath = filepath.Join(dir, "ca-key.pem")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

// startCountingUpstream listens on 127.0.0.1:0 and runs handler for every
// accepted connection on its own goroutine, tracking the number of
// accepted connections so tests can assert the Upstream Connector's
// reuse policy (§8: one create_client call per new upstream connection).
func startCountingUpstream(t *testing.T, handler func(net.Conn)) (addr string, accepts *atomic.Int64) {
	t.Helper()
	return startCountingUpstreamOn(t, "127.0.0.1:0", handler)
}

// startCountingUpstreamOn is startCountingUpstream with an explicit bind
// address, used when a test needs two upstreams on genuinely different
// hosts (the Upstream Connector's reuse key is host only, not port; see
// §4.2's reuse policy).
func startCountingUpstreamOn(t *testing.T, bindAddr string, handler func(net.Conn)) (addr string, accepts *atomic.Int64) {
	t.Helper()

	ln, err := net.Listen("tcp", bindAddr)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepts = &atomic.Int64{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			go handler(conn)
		}
	}()
	return ln.Addr().String(), accepts
}

// startUpstream is startCountingUpstream without the counter, for tests
// that only care about a single exchange.
func startUpstream(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	addr, _ := startCountingUpstream(t, handler)
	return addr
}

// keepAliveOKHandler serves any number of sequential requests on conn,
// each answered with a fixed 200 OK body, honoring HTTP/1.1's default
// keep-alive so the same TCP connection carries every request the caller
// sends until it closes its side.
func keepAliveOKHandler(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if _, _, _, err := readRequestLine(r); err != nil {
			return
		}
		if _, err := readHeaders(r); err != nil {
			return
		}
		if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK")); err != nil {
			return
		}
	}
}
