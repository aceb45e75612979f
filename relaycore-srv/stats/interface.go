// Package stats collects connection-level statistics for the proxy core:
// counts and byte totals, not request/response bodies. The core never
// persists intercepted payloads through this package; recording bodies
// is explicitly out of scope (spec Non-goals).
package stats

import (
	"context"
	"time"
)

// Collector is the statistics sink the proxy reports through: the
// Upstream Connector wraps every upstream connection it creates (raw
// tunnels included) so its lifecycle and byte counts reach the collector.
// Every method must be safe for concurrent use, since one goroutine per
// client connection calls it independently.
type Collector interface {
	// StartConnection records the beginning of a connection and returns an
	// opaque connection ID used by subsequent calls. The proxy reports
	// upstream connections here, with an empty clientIP.
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)

	// EndConnection records the end of a connection along with its
	// lifetime and close reason. bytesSent/bytesReceived are any final
	// bytes not already reported through RecordDataTransfer; callers
	// that stream deltas throughout the connection's life should pass
	// 0, 0 here to avoid double-counting.
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// RecordDataTransfer reports an incremental byte-count delta for an
	// in-progress connection, sent by the proxy's connection wrapper once
	// 10KB have accumulated, to keep totals live without waiting for
	// EndConnection.
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	// RecordError records a proxy-side error associated with a connection,
	// tagged with one of the error taxonomy kinds.
	RecordError(ctx context.Context, connectionID int64, errorKind, message string) error

	// Snapshot returns a point-in-time view of the running totals.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Close releases any resources held by the collector.
	Close() error
}

// Snapshot is a point-in-time view of aggregate connection statistics.
type Snapshot struct {
	TotalConnections  int64
	ActiveConnections int64
	TotalErrors       int64
	TotalBytesSent    int64
	TotalBytesRecv    int64
}
