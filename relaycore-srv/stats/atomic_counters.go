package stats

import "sync/atomic"

// atomicInt64Counter is a lock-free 64-bit counter.
type atomicInt64Counter int64

func (c *atomicInt64Counter) Add(delta int64) int64 { return atomic.AddInt64((*int64)(c), delta) }
func (c *atomicInt64Counter) Load() int64           { return atomic.LoadInt64((*int64)(c)) }

// counters holds the running totals backing the in-memory collector.
type counters struct {
	totalConnections  atomicInt64Counter
	activeConnections atomicInt64Counter
	totalErrors       atomicInt64Counter
	totalBytesSent    atomicInt64Counter
	totalBytesRecv    atomicInt64Counter
}

func (c *counters) snapshot() Snapshot {
	return Snapshot{
		TotalConnections:  c.totalConnections.Load(),
		ActiveConnections: c.activeConnections.Load(),
		TotalErrors:       c.totalErrors.Load(),
		TotalBytesSent:    c.totalBytesSent.Load(),
		TotalBytesRecv:    c.totalBytesRecv.Load(),
	}
}
