package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op Collector used when statistics collection is
// disabled entirely.
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(context.Context, string, string, int, string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(context.Context, int64, int64, int64, time.Duration, string) error {
	return nil
}

func (d *DummyCollector) RecordDataTransfer(context.Context, int64, int64, int64) error {
	return nil
}

func (d *DummyCollector) RecordError(context.Context, int64, string, string) error {
	return nil
}

func (d *DummyCollector) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot{}, nil
}

func (d *DummyCollector) Close() error { return nil }
