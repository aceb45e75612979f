package proxy

import (
	"crypto/tls"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/relaycore/relaycore/relaycore-srv/logger"
)

// endpointPatterns holds the precompiled include/exclude regexes for one
// explicit endpoint, built once at startup rather than per CONNECT.
type endpointPatterns struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

var (
	patternsMu    sync.RWMutex
	patternsCache = map[*config.ExplicitEndpoint]endpointPatterns{}
)

func compiledPatternsFor(ep *config.ExplicitEndpoint) endpointPatterns {
	patternsMu.RLock()
	if p, ok := patternsCache[ep]; ok {
		patternsMu.RUnlock()
		return p
	}
	patternsMu.RUnlock()

	var p endpointPatterns
	for _, pat := range ep.IncludePatterns {
		if re, err := regexp.Compile(pat); err == nil {
			p.include = append(p.include, re)
		} else {
			logger.Error("invalid include_https_pattern %q: %v", pat, err)
		}
	}
	for _, pat := range ep.ExcludePatterns {
		if re, err := regexp.Compile(pat); err == nil {
			p.exclude = append(p.exclude, re)
		} else {
			logger.Error("invalid exclude_https_pattern %q: %v", pat, err)
		}
	}

	patternsMu.Lock()
	patternsCache[ep] = p
	patternsMu.Unlock()
	return p
}

// dispatch is the Client Dispatcher entry point (§4.7): it distinguishes
// explicit vs transparent endpoints and owns conn for its entire
// lifetime, handing off to the TLS Interceptor and Session Loop as
// appropriate.
func (p *Proxy) dispatch(conn net.Conn, ep config.EndpointConfig) {
	switch e := ep.(type) {
	case *config.ExplicitEndpoint:
		p.dispatchExplicit(conn, e)
	case *config.TransparentEndpoint:
		p.dispatchTransparent(conn, e)
	default:
		conn.Close()
	}
}

// dispatchExplicit implements the explicit endpoint path of §4.7.
func (p *Proxy) dispatchExplicit(conn net.Conn, ep *config.ExplicitEndpoint) {
	cc := NewClientConnection(conn, p.config.BufferSize)

	method, target, version, err := readRequestLine(cc.Reader())
	if err != nil {
		cc.Close()
		return
	}

	if strings.EqualFold(method, "CONNECT") {
		p.handleConnect(cc, target, version, ep)
		return
	}

	p.runSessionLoop(cc, nil, "", &pendingLine{method: method, target: target, version: version})
}

// handleConnect runs the CONNECT handshake: captures the ConnectRequest,
// fires its observational hooks, evaluates exclusion and proxy auth, and
// hands off to the TLS Interceptor. On return, either the raw tunnel has
// already consumed and closed both sockets, or the Session Loop is
// running (plaintext-over-TLS) on cc.
func (p *Proxy) handleConnect(cc *ClientConnection, authority string, version HTTPVersion, ep *config.ExplicitEndpoint) {
	headers, err := readHeaders(cc.Reader())
	if err != nil {
		cc.Close()
		return
	}

	connect := &ConnectRequest{Authority: authority, Version: version, Headers: headers}
	p.Hooks.fireTunnelConnectRequest(connect)

	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}
	if !p.isHostAllowed(host, 0) {
		p.Hooks.fireTunnelConnectResponse(connect, false)
		cc.Close()
		return
	}

	excluded := isExcludedAuthority(authority, compiledPatternsFor(ep))

	if !excluded {
		decision := p.authenticator.Authenticate(headers.Get("Proxy-Authorization"))
		if !decision.Allowed {
			p.Hooks.fireTunnelConnectResponse(connect, false)
			writeProxyAuthRequired(cc, version)
			cc.Close()
			return
		}
	}
	p.Hooks.fireTunnelConnectResponse(connect, true)

	session := &Session{Client: cc, Connect: connect}
	tunneled, err := p.interceptConnect(session, authority, excluded)
	if err != nil {
		if !quietKind(err) {
			p.Hooks.fireException(session, err)
		}
		cc.Close()
		return
	}
	if tunneled {
		return
	}

	p.runSessionLoop(cc, connect, authority, nil)
}

// isExcludedAuthority implements §4.3's tie-break: a configured include
// list decides first (no match means excluded even absent any exclude
// match); otherwise an exclude match wins.
func isExcludedAuthority(authority string, patterns endpointPatterns) bool {
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}

	if len(patterns.include) > 0 {
		matched := false
		for _, re := range patterns.include {
			if re.MatchString(host) {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
	}

	for _, re := range patterns.exclude {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// dispatchTransparent implements the transparent endpoint path of §4.7:
// immediate TLS-accept with a fixed certificate when enabled, no SNI
// dispatch (§9's known limitation), then straight into the Session Loop.
func (p *Proxy) dispatchTransparent(conn net.Conn, ep *config.TransparentEndpoint) {
	cc := NewClientConnection(conn, p.config.BufferSize)

	httpsAuthority := ""
	if ep.TLSEnabled {
		if p.certCache == nil {
			logger.Error("transparent endpoint %s has tls_enabled but no CA is configured", ep.ListenAddress)
			cc.Close()
			return
		}
		cert, err := p.certCache.CreateCertificate(ep.GenericCertName)
		if err != nil {
			logger.Error("minting generic certificate for %s: %v", ep.GenericCertName, err)
			cc.Close()
			return
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   p.minTLSVersion(),
			MaxVersion:   p.maxTLSVersion(),
			ClientAuth:   tls.NoClientCert,
		}
		tlsConn := tls.Server(cc.Conn(), tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			logger.Debug("transparent TLS handshake failed: %v", err)
			tlsConn.Close()
			return
		}
		cc.WrapTLS(tlsConn, p.config.BufferSize)
		httpsAuthority = ep.GenericCertName
	}

	method, target, version, err := readRequestLine(cc.Reader())
	if err != nil {
		cc.Close()
		return
	}

	p.runSessionLoop(cc, nil, httpsAuthority, &pendingLine{method: method, target: target, version: version})
}
