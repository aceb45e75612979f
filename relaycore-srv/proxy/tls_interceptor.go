package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/certauthority"
	"github.com/relaycore/relaycore/relaycore-srv/logger"
)

// tlsClientHelloByte is the TLS record type for a handshake message
// (ContentType 0x16), used to distinguish a ClientHello from an opaque
// TCP stream per §4.3 and the GLOSSARY.
const tlsClientHelloByte = 0x16

// interceptConnect runs the TLS Interceptor (§4.3) for an established
// CONNECT tunnel: it acknowledges the tunnel, peeks the first byte to
// decide between TLS interception and a raw tunnel, and on interception
// mints a leaf certificate and performs the server-side handshake.
// tunneled reports whether the Raw Tunnel already consumed the
// connection (in which case the caller must not continue the session
// loop on cc).
func (p *Proxy) interceptConnect(session *Session, authority string, excluded bool) (tunneled bool, err error) {
	cc := session.Client

	if err := p.writeConnectEstablished(cc, session.Connect.Version); err != nil {
		return false, newError(KindUpstreamIO, "writing CONNECT established response", err)
	}

	firstByte, err := cc.Reader().Peek(1)
	if err != nil {
		return false, newError(KindClientClosed, "peeking post-CONNECT stream", err)
	}

	isClientHello := len(firstByte) > 0 && firstByte[0] == tlsClientHelloByte
	if excluded || !isClientHello {
		logger.Debug("tunneling CONNECT to %s without interception (excluded=%v, clientHello=%v)", authority, excluded, isClientHello)
		if err := p.rawTunnelConnect(session, authority); err != nil {
			return true, err
		}
		return true, nil
	}

	if p.certCache == nil {
		return false, newError(KindTLSHandshakeFailed, fmt.Sprintf("no CA configured to intercept %s", authority), nil)
	}

	host := authority
	if h, _, splitErr := net.SplitHostPort(authority); splitErr == nil {
		host = h
	}
	wildcard := certauthority.WildcardName(host)
	cert, err := p.certCache.CreateCertificate(wildcard)
	if err != nil {
		return false, newError(KindTLSHandshakeFailed, fmt.Sprintf("minting certificate for %s", wildcard), err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   p.minTLSVersion(),
		MaxVersion:   p.maxTLSVersion(),
		ClientAuth:   tls.NoClientCert,
	}
	tlsConn := tls.Server(cc.Conn(), tlsConfig)

	handshakeDeadline := time.Now().Add(p.dialTimeout())
	if err := tlsConn.SetDeadline(handshakeDeadline); err != nil {
		logger.Debug("failed to set TLS handshake deadline: %v", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return false, newError(KindTLSHandshakeFailed, fmt.Sprintf("server handshake for %s", host), err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		logger.Debug("failed to clear TLS deadline: %v", err)
	}

	cc.WrapTLS(tlsConn, p.config.BufferSize)
	return false, nil
}

// writeConnectEstablished writes the fixed CONNECT acknowledgement from
// §4.3 step 1 / §6's wire protocol.
func (p *Proxy) writeConnectEstablished(cc *ClientConnection, version HTTPVersion) error {
	w := cc.Writer()
	if err := writeStatusLine(w, version, 200, "Connection established"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Timestamp: %s\r\n", time.Now().Format(time.RFC1123)); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// minTLSVersion/maxTLSVersion translate config.SupportedSSLProtocols
// (§6) into crypto/tls constants, defaulting to TLS 1.2–1.3.
func (p *Proxy) minTLSVersion() uint16 {
	min, _ := p.tlsVersionBounds()
	return min
}

func (p *Proxy) maxTLSVersion() uint16 {
	_, max := p.tlsVersionBounds()
	return max
}

func (p *Proxy) tlsVersionBounds() (min, max uint16) {
	min, max = tls.VersionTLS12, tls.VersionTLS13
	if len(p.config.SupportedSSLProtocols) == 0 {
		return min, max
	}
	min, max = 0, 0
	for _, proto := range p.config.SupportedSSLProtocols {
		v := parseTLSProtocol(proto)
		if v == 0 {
			continue
		}
		if min == 0 || v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == 0 {
		min = tls.VersionTLS12
	}
	if max == 0 {
		max = tls.VersionTLS13
	}
	return min, max
}

func parseTLSProtocol(proto string) uint16 {
	switch proto {
	case "tls1.0":
		return tls.VersionTLS10
	case "tls1.1":
		return tls.VersionTLS11
	case "tls1.2":
		return tls.VersionTLS12
	case "tls1.3":
		return tls.VersionTLS13
	default:
		return 0
	}
}
