package sandbox

import (
	"context"
	"runtime/metrics"
	"time"
)

const (
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	watchdogInterval  = 20 * time.Millisecond
)

// heapInUse reads live plus not-yet-swept heap object bytes.
func heapInUse() uint64 {
	s := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}

// watchHeap samples the heap every interval and calls onBreach once when it
// grows past limit. It returns when ctx is done or after a breach.
func watchHeap(ctx context.Context, limit uint64, interval time.Duration, onBreach func(used uint64)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if used := heapInUse(); used > limit {
				onBreach(used)
				return
			}
		}
	}
}
