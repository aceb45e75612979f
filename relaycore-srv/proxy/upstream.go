package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/relaycore/relaycore/relaycore-srv/logger"
	"golang.org/x/net/proxy"
)

// compiledForward pairs a config.Forward with its runtime classifier, the
// way the teacher precompiles forward rules once at startup.
type compiledForward struct {
	fwd        config.Forward
	classifier Classifier
}

// compileForwards turns the configured forward rules into their runtime
// classifier form, in declared order (first match wins).
func compileForwards(forwards []config.Forward) ([]compiledForward, error) {
	out := make([]compiledForward, 0, len(forwards))
	for _, fwd := range forwards {
		c, err := CompileClassifier(fwd.Classifier())
		if err != nil {
			return nil, fmt.Errorf("compiling forward classifier: %w", err)
		}
		out = append(out, compiledForward{fwd: fwd, classifier: c})
	}
	return out, nil
}

// ensureUpstream implements the Upstream Connector (§4.2): resolves an
// optional upstream proxy via the configured resolver hooks, then
// delegates to createClient to obtain an UpstreamConnection bound to
// host+port+scheme+version.
func (p *Proxy) ensureUpstream(ctx context.Context, session *Session, host string, port int, scheme string, version HTTPVersion) (*UpstreamConnection, error) {
	var upstreamProxy string
	if scheme == "http" {
		if p.Hooks.UpstreamHTTPProxy != nil {
			if addr, ok := p.Hooks.UpstreamHTTPProxy(session); ok {
				upstreamProxy = addr
			}
		} else if p.config.UpstreamHTTPProxy != nil {
			upstreamProxy = *p.config.UpstreamHTTPProxy
		}
	} else {
		if p.Hooks.UpstreamHTTPSProxy != nil {
			if addr, ok := p.Hooks.UpstreamHTTPSProxy(session); ok {
				upstreamProxy = addr
			}
		} else if p.config.UpstreamHTTPSProxy != nil {
			upstreamProxy = *p.config.UpstreamHTTPSProxy
		}
	}

	isHTTPS := scheme == "https"
	conn, err := p.createClient(ctx, host, port, version, isHTTPS, upstreamProxy)
	if err != nil {
		return nil, err
	}
	conn.UpstreamProxy = upstreamProxy
	serverConnectionCount.Add(1)
	return conn, nil
}

// createClient is the TcpConnectionFactory.create_client contract from
// §4.2: it applies any matching forward rule (SOCKS5, HTTP/HTTPS proxy
// chaining, or direct), then establishes TLS to the origin when isHTTPS,
// or CONNECTs through an HTTPS upstream proxy first.
func (p *Proxy) createClient(ctx context.Context, host string, port int, version HTTPVersion, isHTTPS bool, upstreamProxy string) (*UpstreamConnection, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	rawConn, err := p.dialDirectOrForward(ctx, host, port, addr, upstreamProxy, isHTTPS)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	tlsWrapped := false
	if isHTTPS {
		scheme = "https"
		tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		tlsConn := tls.Client(rawConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, p.dialTimeout())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			rawConn.Close()
			return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("upstream TLS handshake with %s failed", addr), err)
		}
		rawConn = tlsConn
		tlsWrapped = true
	}

	collector := p.stats
	connID, _ := collector.StartConnection(ctx, "", host, port, scheme)
	tracked := newTrackedConn(ctx, rawConn, collector, connID)

	return &UpstreamConnection{
		Conn:       tracked,
		Reader:     bufio.NewReaderSize(tracked, p.config.BufferSize),
		Writer:     bufio.NewWriterSize(tracked, p.config.BufferSize),
		Host:       host,
		Port:       port,
		Scheme:     scheme,
		Version:    version,
		TLSWrapped: tlsWrapped,
	}, nil
}

func (p *Proxy) dialTimeout() time.Duration {
	if p.config.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.config.TimeoutSeconds) * time.Second
}

// newDialer builds a net.Dialer bound to the configured DNS resolver
// (Config.DNS), so forward rules and direct dials alike honor custom
// DNS servers the same way the Upstream Connector's default path does.
func (p *Proxy) newDialer() *net.Dialer {
	return &net.Dialer{Timeout: p.dialTimeout(), Resolver: p.netResolver}
}

// dialDirectOrForward picks the first matching forward rule for addr and
// dials through it; absent a match, or absent any forward rules, it
// dials addr directly. When upstreamProxy is set, it takes priority over
// forward rules and the connection tunnels through it via CONNECT.
func (p *Proxy) dialDirectOrForward(ctx context.Context, host string, port int, addr, upstreamProxy string, isHTTPS bool) (net.Conn, error) {
	if upstreamProxy != "" {
		return p.dialHTTPProxy(ctx, p.newDialer(), upstreamProxy, nil, nil, addr)
	}

	var remotePort uint16
	if port > 0 && port < 1<<16 {
		remotePort = uint16(port)
	}

	var selected config.Forward
	for i, cf := range p.compiledForwards {
		matched, err := cf.classifier.Classify(ClassifierInput{host: host, remotePort: remotePort})
		if err != nil {
			logger.Error("error evaluating forward[%d] classifier: %v", i, err)
			continue
		}
		if matched {
			selected = cf.fwd
			break
		}
	}

	dialer := p.newDialer()

	if selected == nil {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("dialing %s", addr), err)
		}
		return conn, nil
	}

	switch fwd := selected.(type) {
	case *config.ForwardDefaultNetwork:
		network := "tcp"
		if fwd.ForceIPv4 {
			network = "tcp4"
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("dialing %s", addr), err)
		}
		return conn, nil
	case *config.ForwardSocks5:
		return p.dialSocks5(ctx, dialer, fwd, addr)
	case *config.ForwardProxy:
		return p.dialHTTPProxy(ctx, dialer, fwd.Address, fwd.Username, fwd.Password, addr)
	default:
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("unknown forward type %T", selected), nil)
	}
}

// dialSocks5 establishes a connection to addr via a SOCKS5 proxy,
// grounded on the teacher's client.go dialSocks5.
func (p *Proxy) dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	network := "tcp"
	if fwd.ForceIPv4 {
		network = "tcp4"
	}
	socksDialer, err := proxy.SOCKS5(network, fwd.Address, auth, dialer)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("building SOCKS5 dialer for %s", fwd.Address), err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := socksDialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, network, addr)
		if err != nil {
			return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("SOCKS5 connect to %s via %s", addr, fwd.Address), err)
		}
		return conn, nil
	}
	conn, err := socksDialer.Dial(network, addr)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("SOCKS5 connect to %s via %s", addr, fwd.Address), err)
	}
	return conn, nil
}

// dialHTTPProxy establishes a tunnel to addr through an HTTP/HTTPS proxy
// via CONNECT, grounded on the teacher's client.go dialHttpProxy.
func (p *Proxy) dialHTTPProxy(ctx context.Context, dialer *net.Dialer, proxyAddr string, username, password *string, addr string) (net.Conn, error) {
	proxyConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("dialing upstream proxy %s", proxyAddr), err)
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+addr, http.NoBody)
	if err != nil {
		proxyConn.Close()
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("building CONNECT request for %s", addr), err)
	}
	connectReq.Host = addr
	connectReq.Header.Set("Proxy-Connection", "keep-alive")
	if username != nil && password != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(*username + ":" + *password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("sending CONNECT to %s", proxyAddr), err)
	}

	reader := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(reader, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("reading CONNECT response from %s", proxyAddr), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		proxyConn.Close()
		return nil, newError(KindUpstreamUnavailable, fmt.Sprintf("upstream proxy %s denied CONNECT to %s (%s): %s", proxyAddr, addr, resp.Status, body), nil)
	}

	return proxyConn, nil
}
