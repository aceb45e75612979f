package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/relaycore/relaycore/relaycore-srv/logger"
)

// tunnelSide pairs a connection with the buffered reader sitting in
// front of it, so any bytes a codec or TLS-detection Peek already pulled
// into the buffer are relayed before falling through to raw reads from
// the socket.
type tunnelSide struct {
	conn   net.Conn
	reader *bufio.Reader
}

// rawTunnel relays bytes bidirectionally between client and upstream
// per §4.6: two cooperative copiers, each draining its side's buffered
// reader first, terminating when either side reports EOF or error and
// closing both.
func (p *Proxy) rawTunnel(client, upstream tunnelSide) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = p.bufferPool.copyBuffer(upstream.conn, client.reader)
		upstream.conn.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = p.bufferPool.copyBuffer(client.conn, upstream.reader)
		client.conn.Close()
	}()

	wg.Wait()
}

// rawTunnelConnect implements the opaque-CONNECT branch of §4.3 step 3:
// dial host directly (bypassing TLS interception) and hand both sockets
// to the Raw Tunnel verbatim. No certificate is minted.
func (p *Proxy) rawTunnelConnect(session *Session, hostPort string) error {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return newError(KindMalformedRequest, fmt.Sprintf("invalid CONNECT authority %q", hostPort), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return newError(KindMalformedRequest, fmt.Sprintf("invalid CONNECT port %q", portStr), err)
	}

	upstream, err := p.ensureUpstream(context.Background(), session, host, port, "tcp-tunnel", HTTP11)
	if err != nil {
		return err
	}

	logger.Debug("raw tunnel established to %s", hostPort)
	p.rawTunnel(
		tunnelSide{conn: session.Client.Conn(), reader: session.Client.Reader()},
		tunnelSide{conn: upstream.Conn, reader: upstream.Reader},
	)
	upstream.Dispose()
	return nil
}

// tunnelWebSocket implements §4.4 S5 / §4.6's second use: the original
// request line and headers are replayed verbatim to the upstream side,
// then both sockets are handed to the Raw Tunnel until either closes.
func (p *Proxy) tunnelWebSocket(session *Session) error {
	upstream := session.Upstream
	if err := writeRequestLine(upstream.Writer, session.Request.Method, session.Request.Target, session.Request.Version); err != nil {
		return newError(KindUpstreamIO, "replaying upgrade request line", err)
	}
	if err := writeHeaders(upstream.Writer, session.Request.Headers); err != nil {
		return newError(KindUpstreamIO, "replaying upgrade headers", err)
	}
	if err := upstream.Writer.Flush(); err != nil {
		return newError(KindUpstreamIO, "flushing upgrade headers", err)
	}

	logger.Debug("handing connection to %s:%d to raw tunnel after websocket upgrade", upstream.Host, upstream.Port)
	p.rawTunnel(
		tunnelSide{conn: session.Client.Conn(), reader: session.Client.Reader()},
		tunnelSide{conn: upstream.Conn, reader: upstream.Reader},
	)
	return nil
}
