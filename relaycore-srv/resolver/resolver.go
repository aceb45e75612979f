// Package resolver implements the custom DNS resolution supplement to the
// Upstream Connector: when config.DNSConfig names explicit upstreams, a
// *net.Resolver dials queries against them (round-robin, UDP/TCP/DoT)
// instead of going through the system resolver.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/relaycore/relaycore/relaycore-srv/logger"
)

// dialer round-robins DNS queries across a fixed list of upstreams.
type dialer struct {
	upstreams []config.DNSUpstream

	mu   sync.Mutex
	next int

	tlsConfig *tls.Config
}

// New builds a *net.Resolver from cfg: the system resolver when custom
// resolution isn't enabled or no upstreams are configured, otherwise a
// resolver that queries cfg.Upstreams in round-robin order. Call this once
// when building a Proxy; a config reload rebuilds the Proxy (and thus the
// resolver) rather than mutating one in place.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Upstreams) == 0 {
		return &net.Resolver{PreferGo: true}
	}

	d := &dialer{
		upstreams: cfg.Upstreams,
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12, NextProtos: []string{"dot"}},
	}
	logger.Info("custom DNS resolution enabled with %d upstream(s)", len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		logger.Debug("DNS upstream %d: %s (%s)", i, u.Address, u.Transport)
	}
	return &net.Resolver{PreferGo: true, Dial: d.dial}
}

func (d *dialer) dial(ctx context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	upstream := d.upstreams[d.next]
	d.next = (d.next + 1) % len(d.upstreams)
	d.mu.Unlock()

	logger.Debug("resolving DNS query via %s (%s)", upstream.Address, upstream.Transport)

	switch upstream.Transport {
	case config.DNSTransportUDP, config.DNSTransportTCP:
		nd := &net.Dialer{Timeout: upstream.Timeout()}
		return nd.DialContext(ctx, string(upstream.Transport), upstream.Address)
	case config.DNSTransportDoT:
		return d.dialDoT(ctx, upstream)
	default:
		return nil, fmt.Errorf("unsupported DNS transport: %s", upstream.Transport)
	}
}

func (d *dialer) dialDoT(ctx context.Context, upstream config.DNSUpstream) (net.Conn, error) {
	nd := &net.Dialer{Timeout: upstream.Timeout()}
	tcpConn, err := nd.DialContext(ctx, "tcp", upstream.Address)
	if err != nil {
		return nil, fmt.Errorf("dot: dialing %s: %w", upstream.Address, err)
	}

	tlsConfig := d.tlsConfig.Clone()
	if upstream.TLSServerName != "" {
		tlsConfig.ServerName = upstream.TLSServerName
	}

	tlsConn := tls.Client(tcpConn, tlsConfig)
	handshakeCtx, cancel := context.WithTimeout(ctx, upstream.Timeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("dot: handshake with %s: %w", upstream.Address, err)
	}
	return tlsConn, nil
}
