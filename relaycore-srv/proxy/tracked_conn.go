package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/stats"
)

// trackedConn wraps net.Conn so every read/write reports to a
// stats.Collector, used to back the UpstreamConnection established by
// the Upstream Connector (§4.2) and the Raw Tunnel (§4.6).
type trackedConn struct {
	net.Conn
	collector    stats.Collector
	connectionID int64
	startTime    time.Time
	ctx          context.Context

	bytesSent     int64 // accessed atomically
	bytesReceived int64 // accessed atomically
	flushSent     int64 // accessed atomically
	flushReceived int64 // accessed atomically

	endOnce sync.Once
}

// newTrackedConn wraps conn for statistics tracking under connectionID.
func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

// Read reads from the connection, periodically flushing the observed
// byte delta to the collector so long-lived connections show live
// totals without waiting for Close.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.maybeFlush(atomic.AddInt64(&c.bytesReceived, int64(n)), atomic.LoadInt64(&c.bytesSent))
	}
	return n, err
}

// Write writes to the connection, periodically flushing the observed
// byte delta to the collector.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.maybeFlush(atomic.LoadInt64(&c.bytesReceived), atomic.AddInt64(&c.bytesSent, int64(n)))
	}
	return n, err
}

// maybeFlush reports the delta since the last flush once at least 10KB
// of traffic has accumulated on either side.
func (c *trackedConn) maybeFlush(received, sent int64) {
	flushSent := atomic.LoadInt64(&c.flushSent)
	flushReceived := atomic.LoadInt64(&c.flushReceived)
	deltaSent := sent - flushSent
	deltaReceived := received - flushReceived
	if deltaSent < 10240 && deltaReceived < 10240 {
		return
	}
	atomic.StoreInt64(&c.flushSent, sent)
	atomic.StoreInt64(&c.flushReceived, received)
	_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, deltaSent, deltaReceived)
}

// Close closes the connection and reports final statistics exactly
// once. Any byte delta not yet flushed is reported first so
// EndConnection's own byte arguments can stay 0, 0 and avoid
// double-counting against the incremental RecordDataTransfer reports.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		duration := time.Since(c.startTime)
		closeReason := "normal"
		if err != nil {
			closeReason = err.Error()
		}

		sent := atomic.LoadInt64(&c.bytesSent)
		received := atomic.LoadInt64(&c.bytesReceived)
		flushSent := atomic.LoadInt64(&c.flushSent)
		flushReceived := atomic.LoadInt64(&c.flushReceived)
		if deltaSent, deltaReceived := sent-flushSent, received-flushReceived; deltaSent > 0 || deltaReceived > 0 {
			_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, deltaSent, deltaReceived)
		}

		_ = c.collector.EndConnection(c.ctx, c.connectionID, 0, 0, duration, closeReason)
	})
	return err
}
