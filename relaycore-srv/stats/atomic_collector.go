package stats

import (
	"context"
	"sync/atomic"
	"time"
)

// AtomicCollector is an in-memory Collector backed entirely by atomic
// counters, suitable for a single proxy process that doesn't need
// cross-restart history.
type AtomicCollector struct {
	counters   counters
	nextConnID atomicInt64Counter
}

// NewAtomicCollector creates an in-memory statistics collector.
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

// StartConnection implements Collector.
func (a *AtomicCollector) StartConnection(_ context.Context, _, _ string, _ int, _ string) (int64, error) {
	a.counters.totalConnections.Add(1)
	a.counters.activeConnections.Add(1)
	return atomic.AddInt64((*int64)(&a.nextConnID), 1), nil
}

// EndConnection implements Collector.
func (a *AtomicCollector) EndConnection(_ context.Context, _ int64, bytesSent, bytesReceived int64, _ time.Duration, _ string) error {
	a.counters.activeConnections.Add(-1)
	a.counters.totalBytesSent.Add(bytesSent)
	a.counters.totalBytesRecv.Add(bytesReceived)
	return nil
}

// RecordDataTransfer implements Collector.
func (a *AtomicCollector) RecordDataTransfer(_ context.Context, _ int64, bytesSent, bytesReceived int64) error {
	a.counters.totalBytesSent.Add(bytesSent)
	a.counters.totalBytesRecv.Add(bytesReceived)
	return nil
}

// RecordError implements Collector.
func (a *AtomicCollector) RecordError(_ context.Context, _ int64, _, _ string) error {
	a.counters.totalErrors.Add(1)
	return nil
}

// Snapshot implements Collector.
func (a *AtomicCollector) Snapshot(_ context.Context) (Snapshot, error) {
	return a.counters.snapshot(), nil
}

// Close implements Collector.
func (a *AtomicCollector) Close() error { return nil }
