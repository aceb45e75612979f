package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsSystemResolverWhenDisabled(t *testing.T) {
	r := New(config.DNSConfig{Enabled: false})
	assert.Nil(t, r.Dial)
}

func TestNewReturnsSystemResolverWithNoUpstreams(t *testing.T) {
	r := New(config.DNSConfig{Enabled: true})
	assert.Nil(t, r.Dial)
}

func TestNewDialsConfiguredUDPUpstream(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	r := New(config.DNSConfig{
		Enabled: true,
		Upstreams: []config.DNSUpstream{
			{Address: pc.LocalAddr().String(), Transport: config.DNSTransportUDP, TimeoutSeconds: 2},
		},
	})
	require.NotNil(t, r.Dial)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := r.Dial(ctx, "udp", "")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, pc.LocalAddr().String(), conn.RemoteAddr().String())
}

func TestNewRoundRobinsAcrossUpstreams(t *testing.T) {
	pcA, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pcA.Close()
	pcB, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pcB.Close()

	r := New(config.DNSConfig{
		Enabled: true,
		Upstreams: []config.DNSUpstream{
			{Address: pcA.LocalAddr().String(), Transport: config.DNSTransportUDP, TimeoutSeconds: 2},
			{Address: pcB.LocalAddr().String(), Transport: config.DNSTransportUDP, TimeoutSeconds: 2},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := r.Dial(ctx, "udp", "")
	require.NoError(t, err)
	defer first.Close()
	second, err := r.Dial(ctx, "udp", "")
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, pcA.LocalAddr().String(), first.RemoteAddr().String())
	assert.Equal(t, pcB.LocalAddr().String(), second.RemoteAddr().String())
}
