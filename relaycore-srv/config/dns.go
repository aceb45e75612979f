package config

import "time"

// DNSTransport is the wire protocol a DNSUpstream speaks.
type DNSTransport string

// Supported DNS transports.
const (
	DNSTransportUDP DNSTransport = "udp" // plain DNS over UDP
	DNSTransportTCP DNSTransport = "tcp" // plain DNS over TCP
	DNSTransportDoT DNSTransport = "dot" // DNS over TLS
)

// DNSUpstream names one DNS server the Upstream Connector's resolver may
// query, in place of the system resolver.
type DNSUpstream struct {
	Address        string       `hcl:"address"`                 // host:port, or [ipv6]:port
	Transport      DNSTransport `hcl:"transport"`
	TimeoutSeconds int          `hcl:"timeout-seconds"`
	TLSServerName  string       `hcl:"tls-server-name,optional"` // SNI override, DoT only
}

// Timeout returns the upstream's query timeout as a time.Duration.
func (d DNSUpstream) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig selects between the system resolver and a set of explicit
// upstreams the Upstream Connector should query instead, per SPEC_FULL's
// custom-DNS-resolution supplement.
type DNSConfig struct {
	Enabled   bool          `hcl:"enabled"`
	Upstreams []DNSUpstream `hcl:"upstreams"`
}

// DefaultDNSConfig disables custom resolution, leaving lookups to the
// system resolver until an operator opts in.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false,
		Upstreams: []DNSUpstream{
			{Address: "8.8.8.8:53", Transport: DNSTransportUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Transport: DNSTransportUDP, TimeoutSeconds: 10},
		},
	}
}
